package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsub_pb "github.com/libp2p/go-libp2p-pubsub/pb"
	libp2pNetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/logger"
	"github.com/corechain-org/corechain/observability"
	"github.com/corechain-org/corechain/types"
)

const (
	ProtocolLastBlock          = "/cc/last-block/1.0.0"
	ProtocolHighestCommonBlock = "/cc/highest-common-block/1.0.0"
	ProtocolBlocksFromID       = "/cc/blocks-from-id/1.0.0"

	// peer with the penalty score reaching BanScore is banned
	BanScore = 100

	maxIDsPerRequest = 100
)

var DefaultOptions = Options{
	ReceivedChannelCapacity: 1000,
	RequestTimeout:          2 * time.Second,
	BlocksPerResponse:       100,
	DiscoveryInterval:       time.Minute,
}

type (
	Options struct {
		// How many messages will be buffered (ReceivedChannel) in case of slow consumer.
		// Once buffer is full messages will be dropped (ie not processed)
		// until consumer catches up.
		ReceivedChannelCapacity uint
		// timeout of a request-response round trip
		RequestTimeout time.Duration
		// max number of blocks returned to the GetBlocksFromID request
		BlocksPerResponse int
		// how often the DHT is searched for other nodes of the chain, zero disables discovery
		DiscoveryInterval time.Duration
	}

	Observability interface {
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}

	// Chain is the local chain served to the peers.
	Chain interface {
		LastBlock() *types.Block
		GetBlocksFromID(id []byte, limit int) ([]*types.Block, error)
		GetHighestCommonBlockID(ids [][]byte) ([]byte, error)
	}

	/*
		LibP2PNetwork connects the node to the peers of the chain. Blocks and
		commits are gossiped with GossipSub, the synchronizer's requests use
		request-response protocols (one request per stream).

		Zero value is not usable, use New to create network!
	*/
	LibP2PNetwork struct {
		self         *Peer
		chain        Chain
		opts         Options
		topicBlocks  *pubsub.Topic
		topicCommits *pubsub.Topic
		// DHT key the nodes of the chain advertise themselves under
		nodesTopic   string
		ps           *pubsub.PubSub
		receivedMsgs chan any

		mu     sync.Mutex
		scores map[peer.ID]int

		tracer trace.Tracer
		log    *slog.Logger

		msgCnt     metric.Int64Counter
		reqCnt     metric.Int64Counter
		penaltyCnt metric.Int64Counter
	}
)

/*
New creates network of the chain "chainID" and registers the request
handlers. The gossip messages are received once Run is called.

Logger (obs.Logger) is assumed to already have node_id attribute added, won't be added by NW component!
*/
func New(ctx context.Context, self *Peer, chainID []byte, chain Chain, opts Options, obs Observability) (*LibP2PNetwork, error) {
	switch {
	case self == nil:
		return nil, errors.New("peer is nil")
	case len(chainID) == 0:
		return nil, errors.New("chain ID is empty")
	case chain == nil:
		return nil, errors.New("chain is nil")
	case opts.RequestTimeout <= 0:
		return nil, fmt.Errorf("request timeout must be positive, got %s", opts.RequestTimeout)
	case opts.BlocksPerResponse <= 0:
		return nil, fmt.Errorf("blocks per response must be positive, got %d", opts.BlocksPerResponse)
	}

	n := &LibP2PNetwork{
		self:         self,
		chain:        chain,
		opts:         opts,
		receivedMsgs: make(chan any, opts.ReceivedChannelCapacity),
		scores:       map[peer.ID]int{},
		tracer:       obs.Tracer("network"),
		log:          obs.Logger(),
	}
	if err := n.initMetrics(obs.Meter("network")); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	if err := n.initGossipSub(ctx, chainID); err != nil {
		return nil, fmt.Errorf("initializing gossip protocol: %w", err)
	}

	self.RegisterProtocolHandler(ProtocolLastBlock, serve(n, ProtocolLastBlock, n.handleLastBlock))
	self.RegisterProtocolHandler(ProtocolHighestCommonBlock, serve(n, ProtocolHighestCommonBlock, n.handleHighestCommonBlock))
	self.RegisterProtocolHandler(ProtocolBlocksFromID, serve(n, ProtocolBlocksFromID, n.handleBlocksFromID))
	return n, nil
}

func (n *LibP2PNetwork) initMetrics(m metric.Meter) (err error) {
	if n.msgCnt, err = m.Int64Counter("gossip.count", metric.WithDescription("Number of gossip messages received"), metric.WithUnit("{message}")); err != nil {
		return fmt.Errorf("creating gossip message counter: %w", err)
	}
	if n.reqCnt, err = m.Int64Counter("request.count", metric.WithDescription("Number of requests served"), metric.WithUnit("{request}")); err != nil {
		return fmt.Errorf("creating request counter: %w", err)
	}
	if n.penaltyCnt, err = m.Int64Counter("penalty.count", metric.WithDescription("Number of penalties applied to peers"), metric.WithUnit("{penalty}")); err != nil {
		return fmt.Errorf("creating penalty counter: %w", err)
	}
	return nil
}

func (n *LibP2PNetwork) initGossipSub(ctx context.Context, chainID []byte) (err error) {
	if n.ps, err = pubsub.NewGossipSub(ctx, n.self.host); err != nil {
		return err
	}
	msgID := pubsub.WithTopicMessageIdFn(func(msg *pubsub_pb.Message) string {
		h := sha256.Sum256(msg.Data)
		return hex.EncodeToString(h[:])
	})
	prefix := fmt.Sprintf("/cc/%x/", chainID)
	n.nodesTopic = prefix + "nodes"
	if n.topicBlocks, err = n.ps.Join(prefix+"blocks/1.0.0", msgID); err != nil {
		return fmt.Errorf("joining blocks topic: %w", err)
	}
	if n.topicCommits, err = n.ps.Join(prefix+"commits/1.0.0", msgID); err != nil {
		return fmt.Errorf("joining commits topic: %w", err)
	}
	n.log.InfoContext(ctx, fmt.Sprintf("joined gossipsub topics %s and %s", n.topicBlocks, n.topicCommits))
	return nil
}

func (n *LibP2PNetwork) ReceivedChannel() <-chan any {
	return n.receivedMsgs
}

// Run subscribes to the gossip topics and forwards the messages to the ReceivedChannel until ctx is cancelled.
func (n *LibP2PNetwork) Run(ctx context.Context) error {
	blocks, err := n.topicBlocks.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribing to topic %s: %w", n.topicBlocks, err)
	}
	defer blocks.Cancel()
	commits, err := n.topicCommits.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribing to topic %s: %w", n.topicCommits, err)
	}
	defer commits.Cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.handleGossip(ctx, blocks, func(msg *pubsub.Message) (any, error) {
			return &BlockMessage{From: msg.ReceivedFrom, Data: msg.Data}, nil
		})
	})
	g.Go(func() error {
		return n.handleGossip(ctx, commits, func(msg *pubsub.Message) (any, error) {
			c := &commitsGossip{}
			if err := cbor.Unmarshal(msg.Data, c); err != nil {
				return nil, fmt.Errorf("decoding commits: %w", err)
			}
			return &CommitsMessage{From: msg.ReceivedFrom, Commits: c.Commits}, nil
		})
	})
	if n.opts.DiscoveryInterval > 0 {
		g.Go(func() error { return n.discoverPeers(ctx, n.opts.DiscoveryInterval) })
	}
	return g.Wait()
}

func (n *LibP2PNetwork) handleGossip(ctx context.Context, sub *pubsub.Subscription, decode func(*pubsub.Message) (any, error)) error {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if msg.ReceivedFrom == n.self.ID() {
			continue
		}
		n.msgCnt.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", sub.Topic())))
		m, err := decode(msg)
		if err != nil {
			n.log.WarnContext(ctx, "invalid gossip message", logger.Error(err), logger.Peer(msg.ReceivedFrom))
			n.ApplyPenalty(msg.ReceivedFrom, BanScore)
			continue
		}
		n.receivedMsg(msg.ReceivedFrom, sub.Topic(), m)
	}
}

func (n *LibP2PNetwork) receivedMsg(from peer.ID, topic string, msg any) {
	select {
	case n.receivedMsgs <- msg:
	default:
		n.log.Warn(fmt.Sprintf("dropping %s message from %s because of slow consumer", topic, from))
	}
}

// BroadcastBlock publishes the block on the blocks topic.
func (n *LibP2PNetwork) BroadcastBlock(ctx context.Context, block *types.Block) error {
	data, err := cbor.Marshal(block)
	if err != nil {
		return fmt.Errorf("encoding block: %w", err)
	}
	return n.topicBlocks.Publish(ctx, data)
}

// GossipCommits publishes the single commits on the commits topic.
func (n *LibP2PNetwork) GossipCommits(ctx context.Context, commits []*types.SingleCommit) error {
	data, err := cbor.Marshal(&commitsGossip{Commits: commits})
	if err != nil {
		return fmt.Errorf("encoding commits: %w", err)
	}
	return n.topicCommits.Publish(ctx, data)
}

/*
ApplyPenalty adds "score" to the penalty score of the peer. Once the score
reaches BanScore the peer is disconnected and banned.
*/
func (n *LibP2PNetwork) ApplyPenalty(peerID peer.ID, score int) {
	n.mu.Lock()
	n.scores[peerID] += score
	total := n.scores[peerID]
	if total >= BanScore {
		delete(n.scores, peerID)
	}
	n.mu.Unlock()

	n.penaltyCnt.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("ban", total >= BanScore)))
	if total < BanScore {
		n.log.Debug(fmt.Sprintf("penalty %d applied, score %d", score, total), logger.Peer(peerID))
		return
	}
	n.log.Warn("banning peer", logger.Peer(peerID))
	n.ps.BlacklistPeer(peerID)
	if err := n.self.BlockPeer(peerID); err != nil {
		n.log.Warn("blocking peer", logger.Error(err), logger.Peer(peerID))
	}
}

// ConnectedPeers returns the connected peers which are not banned.
func (n *LibP2PNetwork) ConnectedPeers() []peer.ID {
	var res []peer.ID
	for _, id := range n.self.ConnectedPeers() {
		if !n.self.IsBlocked(id) {
			res = append(res, id)
		}
	}
	return res
}

func (n *LibP2PNetwork) GetLastBlock(ctx context.Context, peerID peer.ID) (*types.Block, error) {
	resp := &lastBlockResponse{}
	if err := n.request(ctx, peerID, ProtocolLastBlock, &lastBlockRequest{}, resp); err != nil {
		return nil, err
	}
	return resp.Block, nil
}

// GetHighestCommonBlock returns the highest of the "ids" the peer has in its chain, nil when none.
func (n *LibP2PNetwork) GetHighestCommonBlock(ctx context.Context, peerID peer.ID, ids [][]byte) ([]byte, error) {
	req := &highestCommonBlockRequest{IDs: make([]types.Bytes, len(ids))}
	for i, id := range ids {
		req.IDs[i] = id
	}
	resp := &highestCommonBlockResponse{}
	if err := n.request(ctx, peerID, ProtocolHighestCommonBlock, req, resp); err != nil {
		return nil, err
	}
	if len(resp.ID) == 0 {
		return nil, nil
	}
	return resp.ID, nil
}

// GetBlocksFromID returns a batch of blocks following the block "id" in the peer's chain.
func (n *LibP2PNetwork) GetBlocksFromID(ctx context.Context, peerID peer.ID, id []byte) ([]*types.Block, error) {
	resp := &blocksFromIDResponse{}
	if err := n.request(ctx, peerID, ProtocolBlocksFromID, &blocksFromIDRequest{ID: id}, resp); err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

/*
request sends "req" to the peer and reads the response into "resp", the
stream is used for single round trip.
*/
func (n *LibP2PNetwork) request(ctx context.Context, peerID peer.ID, protocolID string, req, resp any) (rErr error) {
	ctx, span := n.tracer.Start(ctx, "LibP2PNetwork.request", trace.WithAttributes(observability.PeerID("receiver", peerID), attribute.String("protocol", protocolID)), trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
		}
		span.End()
	}()
	ctx, cancel := context.WithTimeout(ctx, n.opts.RequestTimeout)
	defer cancel()

	s, err := n.self.CreateStream(ctx, peerID, protocolID)
	if err != nil {
		return fmt.Errorf("open p2p stream: %w", err)
	}
	defer func() {
		if rErr != nil {
			// reset forces close of both ends of the stream
			rErr = errors.Join(rErr, s.Reset())
		} else if err := s.Close(); err != nil {
			n.log.DebugContext(ctx, fmt.Sprintf("closing p2p stream %q", protocolID), logger.Error(err))
		}
	}()
	deadline, _ := ctx.Deadline()
	if err := s.SetDeadline(deadline); err != nil {
		return fmt.Errorf("setting stream deadline: %w", err)
	}

	data, err := serializeMsg(req)
	if err != nil {
		return fmt.Errorf("serializing request: %w", err)
	}
	if _, err := s.Write(data); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		return fmt.Errorf("closing stream for writing: %w", err)
	}
	if err := deserializeMsg(s, resp); err != nil {
		return fmt.Errorf("reading %q response: %w", protocolID, err)
	}
	return nil
}

/*
serve returns stream handler which reads single request, calls "handle" and
writes the response. On error the stream is reset.
*/
func serve[Req, Resp any](n *LibP2PNetwork, protocolID string, handle func(ctx context.Context, from peer.ID, req *Req) (*Resp, error)) libp2pNetwork.StreamHandler {
	return func(s libp2pNetwork.Stream) {
		from := s.Conn().RemotePeer()
		ctx, span := n.tracer.Start(context.Background(), "LibP2PNetwork.serve", trace.WithNewRoot(), trace.WithAttributes(observability.PeerID("peer", from), attribute.String("protocol", protocolID)), trace.WithSpanKind(trace.SpanKindServer))
		var rErr error
		defer func() {
			n.reqCnt.Add(ctx, 1, metric.WithAttributes(attribute.String("protocol", protocolID), observability.ErrStatus(rErr)))
			if rErr != nil {
				span.RecordError(rErr)
				span.SetStatus(codes.Error, rErr.Error())
				n.log.DebugContext(ctx, fmt.Sprintf("serving %q request", protocolID), logger.Error(rErr), logger.Peer(from))
				if err := s.Reset(); err != nil {
					n.log.DebugContext(ctx, fmt.Sprintf("reset p2p stream %q", protocolID), logger.Error(err))
				}
			} else if err := s.Close(); err != nil {
				n.log.DebugContext(ctx, fmt.Sprintf("closing p2p stream %q", protocolID), logger.Error(err))
			}
			span.End()
		}()

		if err := s.SetDeadline(time.Now().Add(n.opts.RequestTimeout)); err != nil {
			rErr = fmt.Errorf("setting stream deadline: %w", err)
			return
		}
		req := new(Req)
		if err := deserializeMsg(s, req); err != nil {
			rErr = fmt.Errorf("reading request: %w", err)
			return
		}
		resp, err := handle(ctx, from, req)
		if err != nil {
			rErr = err
			return
		}
		data, err := serializeMsg(resp)
		if err != nil {
			rErr = fmt.Errorf("serializing response: %w", err)
			return
		}
		if _, err := s.Write(data); err != nil {
			rErr = fmt.Errorf("writing response: %w", err)
		}
	}
}

func (n *LibP2PNetwork) handleLastBlock(ctx context.Context, from peer.ID, req *lastBlockRequest) (*lastBlockResponse, error) {
	return &lastBlockResponse{Block: n.chain.LastBlock()}, nil
}

func (n *LibP2PNetwork) handleHighestCommonBlock(ctx context.Context, from peer.ID, req *highestCommonBlockRequest) (*highestCommonBlockResponse, error) {
	if len(req.IDs) == 0 || len(req.IDs) > maxIDsPerRequest {
		n.ApplyPenalty(from, BanScore)
		return nil, fmt.Errorf("invalid number of IDs %d in the request", len(req.IDs))
	}
	ids := make([][]byte, len(req.IDs))
	for i, id := range req.IDs {
		ids[i] = id
	}
	id, err := n.chain.GetHighestCommonBlockID(ids)
	if err != nil {
		return nil, fmt.Errorf("searching common block: %w", err)
	}
	return &highestCommonBlockResponse{ID: id}, nil
}

func (n *LibP2PNetwork) handleBlocksFromID(ctx context.Context, from peer.ID, req *blocksFromIDRequest) (*blocksFromIDResponse, error) {
	blocks, err := n.chain.GetBlocksFromID(req.ID, n.opts.BlocksPerResponse)
	if err != nil {
		return nil, fmt.Errorf("reading blocks from %X: %w", req.ID, err)
	}
	return &blocksFromIDResponse{Blocks: blocks}, nil
}
