package types

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/crypto"
)

const BlockVersion uint32 = 2

var (
	ErrBlockIsNil       = errors.New("block is nil")
	ErrBlockHeaderIsNil = errors.New("block header is nil")
)

type (
	Block struct {
		_            struct{}       `cbor:",toarray"`
		Header       *BlockHeader   `json:"header"`
		Transactions []*Transaction `json:"transactions"`
		Assets       BlockAssets    `json:"assets"`
	}

	BlockHeader struct {
		_                  struct{}         `cbor:",toarray"`
		Version            uint32           `json:"version"`
		Height             uint64           `json:"height,string"`
		PreviousBlockID    Bytes            `json:"previousBlockID"`
		Timestamp          uint64           `json:"timestamp,string"`
		GeneratorAddress   Bytes            `json:"generatorAddress"`
		TransactionRoot    Bytes            `json:"transactionRoot"`
		StateRoot          Bytes            `json:"stateRoot"`
		AssetRoot          Bytes            `json:"assetRoot"`
		EventRoot          Bytes            `json:"eventRoot"`
		ValidatorsHash     Bytes            `json:"validatorsHash"`
		MaxHeightGenerated uint64           `json:"maxHeightGenerated,string"`
		MaxHeightPrevoted  uint64           `json:"maxHeightPrevoted,string"`
		AggregateCommit    *AggregateCommit `json:"aggregateCommit"`
		Signature          Bytes            `json:"signature"`
	}
)

// ID returns SHA-256 hash of the encoded header (including the signature).
func (h *BlockHeader) ID() ([]byte, error) {
	if h == nil {
		return nil, ErrBlockHeaderIsNil
	}
	b, err := cbor.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding block header: %w", err)
	}
	id := sha256.Sum256(b)
	return id[:], nil
}

// SigBytes returns the encoding of the header without signature.
func (h *BlockHeader) SigBytes() ([]byte, error) {
	if h == nil {
		return nil, ErrBlockHeaderIsNil
	}
	c := *h
	c.Signature = nil
	return cbor.Marshal(&c)
}

func (h *BlockHeader) Sign(signer crypto.Signer, chainID []byte) error {
	msg, err := h.SigBytes()
	if err != nil {
		return err
	}
	if h.Signature, err = crypto.SignWithTag(signer, crypto.TagBlockHeader, chainID, msg); err != nil {
		return err
	}
	return nil
}

func (h *BlockHeader) VerifySignature(generatorKey []byte, chainID []byte) error {
	v, err := crypto.NewVerifierSecp256k1(generatorKey)
	if err != nil {
		return fmt.Errorf("generator key: %w", err)
	}
	msg, err := h.SigBytes()
	if err != nil {
		return err
	}
	return crypto.VerifyWithTag(v, h.Signature, crypto.TagBlockHeader, chainID, msg)
}

func (b *Block) ID() ([]byte, error) {
	if b == nil {
		return nil, ErrBlockIsNil
	}
	return b.Header.ID()
}

func (b *Block) Height() uint64 {
	if b == nil || b.Header == nil {
		return 0
	}
	return b.Header.Height
}

/*
IsValid performs the static (context free) validation of the block: header
structure, transaction and asset roots.
*/
func (b *Block) IsValid() error {
	if b == nil {
		return ErrBlockIsNil
	}
	h := b.Header
	if h == nil {
		return ErrBlockHeaderIsNil
	}
	if h.Version != BlockVersion {
		return fmt.Errorf("invalid block version %d, expected %d", h.Version, BlockVersion)
	}
	if len(h.PreviousBlockID) != sha256.Size {
		return fmt.Errorf("invalid previous block ID length %d", len(h.PreviousBlockID))
	}
	if len(h.GeneratorAddress) != crypto.AddressLength {
		return fmt.Errorf("invalid generator address length %d, expected %d", len(h.GeneratorAddress), crypto.AddressLength)
	}
	if len(h.Signature) == 0 {
		return errors.New("block signature is missing")
	}
	if h.AggregateCommit == nil {
		return errors.New("aggregate commit is missing")
	}
	if err := h.AggregateCommit.IsValid(); err != nil {
		return err
	}
	if h.MaxHeightPrevoted >= h.Height || h.MaxHeightGenerated >= h.Height {
		return fmt.Errorf("invalid BFT heights: maxHeightPrevoted %d, maxHeightGenerated %d at height %d",
			h.MaxHeightPrevoted, h.MaxHeightGenerated, h.Height)
	}
	return b.validateContent()
}

// IsValidGenesis validates the genesis block, it has no signature nor aggregate commit.
func (b *Block) IsValidGenesis() error {
	if b == nil {
		return ErrBlockIsNil
	}
	if b.Header == nil {
		return ErrBlockHeaderIsNil
	}
	if len(b.Transactions) != 0 {
		return errors.New("genesis block must not contain transactions")
	}
	return b.validateContent()
}

func (b *Block) validateContent() error {
	for i, tx := range b.Transactions {
		if err := tx.IsValid(); err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
	}
	txRoot, err := TransactionRoot(b.Transactions)
	if err != nil {
		return fmt.Errorf("calculating transaction root: %w", err)
	}
	if !bytes.Equal(txRoot, b.Header.TransactionRoot) {
		return fmt.Errorf("invalid transaction root, expected %X got %X", txRoot, b.Header.TransactionRoot)
	}
	if err := b.Assets.IsValid(); err != nil {
		return err
	}
	assetRoot, err := AssetRoot(b.Assets)
	if err != nil {
		return fmt.Errorf("calculating asset root: %w", err)
	}
	if !bytes.Equal(assetRoot, b.Header.AssetRoot) {
		return fmt.Errorf("invalid asset root, expected %X got %X", assetRoot, b.Header.AssetRoot)
	}
	return nil
}

// SetRoots fills in transaction and asset root of the header from block content.
func (b *Block) SetRoots() (err error) {
	if b.Header.TransactionRoot, err = TransactionRoot(b.Transactions); err != nil {
		return err
	}
	b.Header.AssetRoot, err = AssetRoot(b.Assets)
	return err
}
