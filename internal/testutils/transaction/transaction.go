package testtransaction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corechain-org/corechain/crypto"
	test "github.com/corechain-org/corechain/internal/testutils"
	"github.com/corechain-org/corechain/types"
)

var defaultChainID = []byte{0, 0, 0, 1}

type (
	Option func(*config)

	config struct {
		tx      *types.Transaction
		signer  crypto.Signer
		chainID []byte
	}
)

func WithModule(module, command string) Option {
	return func(c *config) {
		c.tx.Module = module
		c.tx.Command = command
	}
}

func WithNonce(nonce uint64) Option {
	return func(c *config) {
		c.tx.Nonce = nonce
	}
}

func WithFee(fee uint64) Option {
	return func(c *config) {
		c.tx.Fee = fee
	}
}

func WithParams(params []byte) Option {
	return func(c *config) {
		c.tx.Params = params
	}
}

// WithSigner sets the sender of the transaction, by default random key is used.
func WithSigner(signer crypto.Signer) Option {
	return func(c *config) {
		c.signer = signer
	}
}

func WithChainID(id []byte) Option {
	return func(c *config) {
		c.chainID = id
	}
}

/*
NewTransaction returns signed "token.transfer" transaction with random params,
use options to customize it.
*/
func NewTransaction(t testing.TB, opts ...Option) *types.Transaction {
	t.Helper()
	c := &config{
		tx: &types.Transaction{
			Module:  "token",
			Command: "transfer",
			Fee:     1,
			Params:  test.RandomBytes(8),
		},
		chainID: defaultChainID,
	}
	for _, o := range opts {
		o(c)
	}
	if c.signer == nil {
		signer, err := crypto.NewInMemorySecp256K1Signer()
		require.NoError(t, err)
		c.signer = signer
	}
	verifier, err := c.signer.Verifier()
	require.NoError(t, err)
	c.tx.SenderPublicKey, err = verifier.MarshalPublicKey()
	require.NoError(t, err)
	require.NoError(t, c.tx.Sign(c.signer, c.chainID))
	return c.tx
}
