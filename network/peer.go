package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/host/peerstore/pstoremem"
	"github.com/libp2p/go-libp2p/p2p/net/conngater"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/corechain-org/corechain/logger"
)

const (
	defaultAddress    = "/ip4/0.0.0.0/tcp/0"
	dhtProtocolPrefix = "/cc/dht/1.0.0"
)

var ErrPeerConfigurationIsNil = errors.New("peer configuration is nil")

type (
	PeerConfiguration struct {
		ID      peer.ID
		Address string // libp2p multiaddress to listen on, defaultAddress when empty
		// addresses announced to the other peers instead of the listen addresses
		AnnounceAddrs  []ma.Multiaddr
		KeyPair        *PeerKeyPair
		BootstrapPeers []peer.AddrInfo
	}

	// PeerKeyPair is the secp256k1 identity of the node, keys in compressed/raw form.
	PeerKeyPair struct {
		PublicKey  []byte
		PrivateKey []byte
	}

	// Peer is the libp2p host of the node with the DHT used for routing and discovery.
	Peer struct {
		host      host.Host
		conf      *PeerConfiguration
		dht       *dht.IpfsDHT
		discovery *drouting.RoutingDiscovery
		gater     *conngater.BasicConnectionGater
	}
)

/*
NewPeerConfiguration validates the key pair and the announce addresses and
derives the peer ID from the public key.
*/
func NewPeerConfiguration(addr string, announceAddrs []string, keyPair *PeerKeyPair, bootstrapPeers []peer.AddrInfo) (*PeerConfiguration, error) {
	if keyPair == nil {
		return nil, errors.New("missing key pair")
	}
	id, err := NodeIDFromPublicKeyBytes(keyPair.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid key pair: %w", err)
	}
	conf := &PeerConfiguration{ID: id, Address: addr, KeyPair: keyPair, BootstrapPeers: bootstrapPeers}
	for _, s := range announceAddrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid announce address %q: %w", s, err)
		}
		conf.AnnounceAddrs = append(conf.AnnounceAddrs, a)
	}
	return conf, nil
}

func NodeIDFromPublicKeyBytes(pubKey []byte) (peer.ID, error) {
	pub, err := crypto.UnmarshalSecp256k1PublicKey(pubKey)
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(pub)
}

// privateKey returns the libp2p private key after checking that the public key is valid too.
func (kp *PeerKeyPair) privateKey() (crypto.PrivKey, error) {
	if kp == nil {
		return nil, errors.New("missing peer key")
	}
	priv, err := crypto.UnmarshalSecp256k1PrivateKey(kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if _, err := crypto.UnmarshalSecp256k1PublicKey(kp.PublicKey); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return priv, nil
}

/*
NewPeer starts libp2p host listening on the configured address and bootstraps
the DHT. Connections of the peers blocked with BlockPeer are refused. When
"prom" is not nil libp2p metrics are registered with it.
*/
func NewPeer(ctx context.Context, conf *PeerConfiguration, log *slog.Logger, prom prometheus.Registerer) (*Peer, error) {
	if conf == nil {
		return nil, ErrPeerConfigurationIsNil
	}
	privKey, err := conf.KeyPair.privateKey()
	if err != nil {
		return nil, err
	}
	address := conf.Address
	if address == "" {
		address = defaultAddress
	}
	pstore, err := pstoremem.NewPeerstore()
	if err != nil {
		return nil, fmt.Errorf("creating peerstore: %w", err)
	}
	gater, err := conngater.NewBasicConnectionGater(nil)
	if err != nil {
		return nil, fmt.Errorf("creating connection gater: %w", err)
	}

	p := &Peer{conf: conf, gater: gater}
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(address),
		libp2p.Identity(privKey),
		libp2p.Peerstore(pstore),
		libp2p.ConnectionGater(gater),
		libp2p.Ping(true),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			p.dht, err = newDHT(ctx, h, conf.BootstrapPeers, log)
			return p.dht, err
		}),
	}
	if prom != nil {
		opts = append(opts, libp2p.PrometheusRegisterer(prom))
	}
	if len(conf.AnnounceAddrs) > 0 {
		opts = append(opts, libp2p.AddrsFactory(func([]ma.Multiaddr) []ma.Multiaddr {
			// the caller owns the returned slice
			return append([]ma.Multiaddr(nil), conf.AnnounceAddrs...)
		}))
	}
	if p.host, err = libp2p.New(opts...); err != nil {
		return nil, err
	}
	if err := p.dht.Bootstrap(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("bootstrapping DHT: %w", err), p.Close())
	}
	p.discovery = drouting.NewRoutingDiscovery(p.dht)
	log.DebugContext(ctx, "peer started", logger.NodeID(p.host.ID()), logger.Data(p.host.Addrs()))
	return p, nil
}

func newDHT(ctx context.Context, h host.Host, bootstrapPeers []peer.AddrInfo, log *slog.Logger) (*dht.IpfsDHT, error) {
	kdht, err := dht.New(ctx, h,
		dht.ProtocolPrefix(dhtProtocolPrefix),
		dht.BootstrapPeers(bootstrapPeers...),
		dht.Mode(dht.ModeServer))
	if err != nil {
		return nil, fmt.Errorf("creating DHT: %w", err)
	}
	rt := kdht.RoutingTable()
	added, removed := rt.PeerAdded, rt.PeerRemoved
	rt.PeerAdded = func(id peer.ID) {
		added(id)
		log.DebugContext(ctx, "peer added to routing table", logger.Peer(id))
	}
	rt.PeerRemoved = func(id peer.ID) {
		removed(id)
		log.DebugContext(ctx, "peer removed from routing table", logger.Peer(id))
	}
	return kdht, nil
}

// BootstrapConnect dials the bootstrap peers, fails only when none of them could be reached.
func (p *Peer) BootstrapConnect(ctx context.Context, log *slog.Logger) error {
	peers := p.conf.BootstrapPeers
	if len(peers) == 0 {
		return nil
	}
	errs := make([]error, len(peers))
	var wg sync.WaitGroup
	for i, ai := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.host.Peerstore().AddAddrs(ai.ID, ai.Addrs, peerstore.PermanentAddrTTL)
			if errs[i] = p.host.Connect(ctx, ai); errs[i] != nil {
				log.WarnContext(ctx, "bootstrap dial failed", logger.Peer(ai.ID), logger.Error(errs[i]))
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err == nil {
			return p.dht.Bootstrap(ctx)
		}
	}
	return fmt.Errorf("failed to bootstrap: %w", errors.Join(errs...))
}

func (p *Peer) ID() peer.ID { return p.host.ID() }

func (p *Peer) MultiAddresses() []ma.Multiaddr { return p.host.Addrs() }

func (p *Peer) Network() network.Network { return p.host.Network() }

func (p *Peer) Configuration() *PeerConfiguration { return p.conf }

// ConnectedPeers returns the peers the node currently has open connection with.
func (p *Peer) ConnectedPeers() []peer.ID {
	return p.host.Network().Peers()
}

// BlockPeer disconnects the peer and refuses its connections until the node is restarted.
func (p *Peer) BlockPeer(id peer.ID) error {
	if err := p.gater.BlockPeer(id); err != nil {
		return fmt.Errorf("blocking peer: %w", err)
	}
	return p.host.Network().ClosePeer(id)
}

func (p *Peer) IsBlocked(id peer.ID) bool {
	return !p.gater.InterceptPeerDial(id)
}

func (p *Peer) RegisterProtocolHandler(protocolID string, handler network.StreamHandler) {
	p.host.SetStreamHandler(protocol.ID(protocolID), handler)
}

// CreateStream opens stream to the peer for the protocol.
func (p *Peer) CreateStream(ctx context.Context, id peer.ID, protocolID string) (network.Stream, error) {
	return p.host.NewStream(ctx, id, protocol.ID(protocolID))
}

// Advertise announces in the DHT that the node serves "topic".
func (p *Peer) Advertise(ctx context.Context, topic string) error {
	_, err := p.discovery.Advertise(ctx, topic)
	return err
}

// Discover finds the peers which have advertised "topic", the channel is closed when the search ends.
func (p *Peer) Discover(ctx context.Context, topic string) (<-chan peer.AddrInfo, error) {
	return p.discovery.FindPeers(ctx, topic)
}

// Connect dials the peer unless it is blocked or already connected.
func (p *Peer) Connect(ctx context.Context, ai peer.AddrInfo) error {
	if ai.ID == p.host.ID() || p.IsBlocked(ai.ID) || p.host.Network().Connectedness(ai.ID) == network.Connected {
		return nil
	}
	return p.host.Connect(ctx, ai)
}

func (p *Peer) Close() error {
	var errs []error
	if p.dht != nil {
		if err := p.dht.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing the DHT: %w", err))
		}
	}
	if p.host != nil {
		if err := p.host.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing the host: %w", err))
		}
	}
	return errors.Join(errs...)
}
