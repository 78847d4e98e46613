package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/corechain-org/corechain/consensus/event"
	"github.com/corechain-org/corechain/crypto"
	"github.com/corechain-org/corechain/crypto/bls"
	"github.com/corechain-org/corechain/types"
)

const (
	DefaultBlockTime       uint64 = 10 // seconds
	DefaultMaxTransactions        = 100
	DefaultMaxSearchDepth  uint64 = 1000
	// how many received blocks may be processed concurrently, the rest are dropped
	defaultBlockWorkers = 4
)

var (
	ErrChainIDIsEmpty = errors.New("chain ID is empty")
	ErrGenesisIsNil   = errors.New("genesis block is nil")
)

type (
	configuration struct {
		blockTime        uint64
		maxTransactions  int
		maxSearchDepth   uint64
		minCertifyHeight uint64
		generator        *generatorKeys
		txBuffer         TxBuffer
		eventHandler     event.Handler
		eventChCapacity  int
		now              func() time.Time
	}

	// generatorKeys are the keys of the validator the node runs as.
	generatorKeys struct {
		signer  crypto.Signer
		blsKey  *bls.SecretKey
		address []byte
	}

	Option func(c *configuration)
)

// WithBlockTime sets the length of the block slot in seconds.
func WithBlockTime(seconds uint64) Option {
	return func(c *configuration) {
		c.blockTime = seconds
	}
}

/*
WithGenerator makes the node a validator, blocks are generated in the slots
of the validator with the "signer" key and the blocks are certified with the
"blsKey". Without the option the node only follows the chain.
*/
func WithGenerator(signer crypto.Signer, blsKey *bls.SecretKey) Option {
	return func(c *configuration) {
		c.generator = &generatorKeys{signer: signer, blsKey: blsKey}
	}
}

// WithTxBuffer sets the source of transactions for the generated blocks.
func WithTxBuffer(buf TxBuffer) Option {
	return func(c *configuration) {
		c.txBuffer = buf
	}
}

// WithMaxTransactions sets the max number of transactions in a generated block.
func WithMaxTransactions(count int) Option {
	return func(c *configuration) {
		c.maxTransactions = count
	}
}

// WithMaxSearchDepth sets how deep the synchronizer searches for the common block.
func WithMaxSearchDepth(depth uint64) Option {
	return func(c *configuration) {
		c.maxSearchDepth = depth
	}
}

func WithMinCertifyHeight(height uint64) Option {
	return func(c *configuration) {
		c.minCertifyHeight = height
	}
}

func WithEventHandler(eh event.Handler, eventChCapacity int) Option {
	return func(c *configuration) {
		c.eventHandler = eh
		c.eventChCapacity = eventChCapacity
	}
}

// WithClock replaces the wall clock, used to decide the current slot.
func WithClock(now func() time.Time) Option {
	return func(c *configuration) {
		c.now = now
	}
}

func loadConfiguration(chainID []byte, genesis *types.Block, opts ...Option) (*configuration, error) {
	if len(chainID) == 0 {
		return nil, ErrChainIDIsEmpty
	}
	if genesis == nil || genesis.Header == nil {
		return nil, ErrGenesisIsNil
	}
	c := &configuration{
		blockTime:       DefaultBlockTime,
		maxTransactions: DefaultMaxTransactions,
		maxSearchDepth:  DefaultMaxSearchDepth,
		now:             time.Now,
	}
	for _, o := range opts {
		o(c)
	}

	if c.blockTime == 0 {
		return nil, errors.New("block time must be greater than zero")
	}
	if c.maxTransactions < 0 {
		return nil, fmt.Errorf("invalid max transactions count %d", c.maxTransactions)
	}
	if c.generator != nil {
		if c.generator.signer == nil {
			return nil, errors.New("generator signer is nil")
		}
		if c.generator.blsKey == nil {
			return nil, errors.New("generator BLS key is nil")
		}
		verifier, err := c.generator.signer.Verifier()
		if err != nil {
			return nil, fmt.Errorf("generator verifier: %w", err)
		}
		pubKey, err := verifier.MarshalPublicKey()
		if err != nil {
			return nil, fmt.Errorf("generator public key: %w", err)
		}
		c.generator.address = crypto.AddressFromPublicKey(pubKey)
	}
	return c, nil
}
