package network

import (
	"context"
	"time"

	"github.com/corechain-org/corechain/logger"
)

/*
discoverPeers advertises the node in the DHT as a node of the chain and
connects to the other advertised nodes, repeating every "interval" until ctx
is cancelled. Failures are logged and retried on the next round.
*/
func (n *LibP2PNetwork) discoverPeers(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n.discoveryRound(ctx, interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *LibP2PNetwork) discoveryRound(ctx context.Context, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := n.self.Advertise(ctx, n.nodesTopic); err != nil {
		// the routing table is empty until some peer is reachable
		n.log.DebugContext(ctx, "advertising the node", logger.Error(err))
		return
	}
	found, err := n.self.Discover(ctx, n.nodesTopic)
	if err != nil {
		n.log.DebugContext(ctx, "discovering peers", logger.Error(err))
		return
	}
	for ai := range found {
		if len(ai.Addrs) == 0 {
			continue
		}
		if err := n.self.Connect(ctx, ai); err != nil {
			n.log.DebugContext(ctx, "connecting to discovered peer", logger.Peer(ai.ID), logger.Error(err))
		}
	}
}
