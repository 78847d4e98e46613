package peer

import (
	"context"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/corechain-org/corechain/crypto"
	"github.com/corechain-org/corechain/internal/testutils/logger"
	"github.com/corechain-org/corechain/network"
)

/*
CreatePeerConfiguration returns configuration of a peer listening on random
localhost port, the key pair is a fresh secp256k1 generator key.
*/
func CreatePeerConfiguration(t *testing.T, bootstrap ...peer.AddrInfo) *network.PeerConfiguration {
	t.Helper()
	peerConf, err := network.NewPeerConfiguration("/ip4/127.0.0.1/tcp/0", nil, generateKeyPair(t), bootstrap)
	require.NoError(t, err)
	return peerConf
}

// CreatePeer starts the peer, it is closed when the test ends.
func CreatePeer(t *testing.T, peerConf *network.PeerConfiguration) *network.Peer {
	t.Helper()
	p, err := network.NewPeer(context.Background(), peerConf, logger.New(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	return p
}

func generateKeyPair(t *testing.T) *network.PeerKeyPair {
	signer, err := crypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	privKey, err := signer.MarshalPrivateKey()
	require.NoError(t, err)
	verifier, err := signer.Verifier()
	require.NoError(t, err)
	pubKey, err := verifier.MarshalPublicKey()
	require.NoError(t, err)
	return &network.PeerKeyPair{PublicKey: pubKey, PrivateKey: privKey}
}
