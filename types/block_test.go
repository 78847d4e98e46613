package types

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/crypto"
)

var chainID = []byte{0, 0, 0, 1}

func newSignedTx(t *testing.T, signer crypto.Signer, nonce uint64) *Transaction {
	t.Helper()
	v, err := signer.Verifier()
	require.NoError(t, err)
	pub, err := v.MarshalPublicKey()
	require.NoError(t, err)
	tx := &Transaction{
		Module:          "token",
		Command:         "transfer",
		Nonce:           nonce,
		Fee:             10,
		SenderPublicKey: pub,
		Params:          []byte{1, 2, 3},
	}
	require.NoError(t, tx.Sign(signer, chainID))
	return tx
}

func newValidBlock(t *testing.T, signer crypto.Signer) *Block {
	t.Helper()
	v, err := signer.Verifier()
	require.NoError(t, err)
	pub, err := v.MarshalPublicKey()
	require.NoError(t, err)
	b := &Block{
		Header: &BlockHeader{
			Version:           BlockVersion,
			Height:            11,
			PreviousBlockID:   make([]byte, 32),
			Timestamp:         1000,
			GeneratorAddress:  crypto.AddressFromPublicKey(pub),
			MaxHeightPrevoted: 9,
			AggregateCommit:   &AggregateCommit{Height: 8},
		},
		Transactions: []*Transaction{newSignedTx(t, signer, 0), newSignedTx(t, signer, 1)},
	}
	b.Assets.SetAsset("token", []byte{1})
	b.Assets.SetAsset("bft", []byte{2})
	require.NoError(t, b.SetRoots())
	require.NoError(t, b.Header.Sign(signer, chainID))
	return b
}

func TestBlock_IsValid(t *testing.T) {
	signer, err := crypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)

	require.NoError(t, newValidBlock(t, signer).IsValid())

	tests := []struct {
		name    string
		modify  func(b *Block)
		wantErr string
	}{
		{"nil header", func(b *Block) { b.Header = nil }, "block header is nil"},
		{"version", func(b *Block) { b.Header.Version = 1 }, "invalid block version 1"},
		{"previous ID", func(b *Block) { b.Header.PreviousBlockID = nil }, "invalid previous block ID length 0"},
		{"generator address", func(b *Block) { b.Header.GeneratorAddress = []byte{1} }, "invalid generator address length 1"},
		{"no signature", func(b *Block) { b.Header.Signature = nil }, "block signature is missing"},
		{"no aggregate commit", func(b *Block) { b.Header.AggregateCommit = nil }, "aggregate commit is missing"},
		{"aggregate commit bits without signature", func(b *Block) { b.Header.AggregateCommit.AggregationBits = []byte{1} }, "must have both aggregation bits and signature"},
		{"prevoted height", func(b *Block) { b.Header.MaxHeightPrevoted = 11 }, "invalid BFT heights"},
		{"tx root", func(b *Block) { b.Transactions = b.Transactions[:1] }, "invalid transaction root"},
		{"asset root", func(b *Block) { b.Assets = b.Assets[:1] }, "invalid asset root"},
		{"unsorted assets", func(b *Block) { b.Assets[0], b.Assets[1] = b.Assets[1], b.Assets[0] }, "not sorted"},
		{"invalid tx", func(b *Block) { b.Transactions[0].Signatures = nil }, "transaction 0: transaction has no signatures"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newValidBlock(t, signer)
			tc.modify(b)
			require.ErrorContains(t, b.IsValid(), tc.wantErr)
		})
	}

	var b *Block
	require.ErrorIs(t, b.IsValid(), ErrBlockIsNil)
}

func TestBlockHeader_IDAndSignature(t *testing.T) {
	signer, err := crypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	v, err := signer.Verifier()
	require.NoError(t, err)
	pub, err := v.MarshalPublicKey()
	require.NoError(t, err)

	b := newValidBlock(t, signer)
	id1, err := b.ID()
	require.NoError(t, err)
	require.Len(t, id1, sha256.Size)

	// deterministic encoding: decoded copy has the same ID
	data, err := cbor.Marshal(b)
	require.NoError(t, err)
	var b2 Block
	require.NoError(t, cbor.Unmarshal(data, &b2))
	id2, err := b2.ID()
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	require.NoError(t, b.Header.VerifySignature(pub, chainID))
	require.Error(t, b.Header.VerifySignature(pub, []byte{0, 0, 0, 2}))
	b.Header.Timestamp++
	require.Error(t, b.Header.VerifySignature(pub, chainID))
	id3, err := b.ID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
}

func TestBlock_IsValidGenesis(t *testing.T) {
	b := &Block{Header: &BlockHeader{Version: BlockVersion}}
	b.Assets.SetAsset("bft", []byte{1})
	require.NoError(t, b.SetRoots())
	require.NoError(t, b.IsValidGenesis())

	b.Transactions = []*Transaction{{}}
	require.ErrorContains(t, b.IsValidGenesis(), "genesis block must not contain transactions")
}

func TestTransaction(t *testing.T) {
	signer, err := crypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	tx := newSignedTx(t, signer, 5)
	require.NoError(t, tx.IsValid())
	require.Len(t, tx.SenderAddress(), crypto.AddressLength)

	id, err := tx.ID()
	require.NoError(t, err)
	sigBytes, err := tx.SigBytes()
	require.NoError(t, err)
	v, err := signer.Verifier()
	require.NoError(t, err)
	require.NoError(t, crypto.VerifyWithTag(v, tx.Signatures[0], crypto.TagTransaction, chainID, sigBytes))

	// signature is part of the ID
	tx.Signatures = []Bytes{{1}}
	id2, err := tx.ID()
	require.NoError(t, err)
	require.NotEqual(t, id, id2)

	tx.Module = ""
	require.ErrorContains(t, tx.IsValid(), "module name is missing")
	var nilTx *Transaction
	_, err = nilTx.ID()
	require.ErrorIs(t, err, ErrTransactionIsNil)
}

func TestEventRoot(t *testing.T) {
	events := []*Event{
		{Module: "token", Name: "transfer", Height: 11, Index: 0},
		{Module: "token", Name: "commandExecutionResult", Height: 11, Index: 1, Data: []byte{1}},
	}
	r1, err := EventRoot(events)
	require.NoError(t, err)
	events[1].Data = []byte{0}
	r2, err := EventRoot(events)
	require.NoError(t, err)
	require.NotEqual(t, r1, r2)

	empty, err := EventRoot(nil)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 32), empty)
}

func TestBitmap(t *testing.T) {
	bm := NewBitmap(10)
	require.Len(t, bm, 2)
	SetBit(bm, 0)
	SetBit(bm, 9)
	require.True(t, IsBitSet(bm, 0))
	require.False(t, IsBitSet(bm, 1))
	require.True(t, IsBitSet(bm, 9))
	require.False(t, IsBitSet(bm, 16))
	require.False(t, IsBitSet(bm, -1))
	require.Equal(t, 2, BitCount(bm))
	require.Equal(t, []byte{0x80, 0x40}, bm)
}

func TestCertificate_SigningBytes(t *testing.T) {
	h := &BlockHeader{Version: BlockVersion, Height: 5, Timestamp: 50, StateRoot: []byte{1}, ValidatorsHash: []byte{2}}
	c, err := NewCertificate(h)
	require.NoError(t, err)
	id, err := h.ID()
	require.NoError(t, err)
	require.EqualValues(t, id, c.BlockID)

	b1, err := c.SigningBytes(chainID)
	require.NoError(t, err)
	// aggregation bits and signature are not signed
	c.AggregationBits = []byte{1}
	c.Signature = []byte{2}
	b2, err := c.SigningBytes(chainID)
	require.NoError(t, err)
	require.Equal(t, b1, b2)
	require.Equal(t, []byte(crypto.TagCertificate), b1[:len(crypto.TagCertificate)])
}

func TestAggregateCommit(t *testing.T) {
	ac := &AggregateCommit{Height: 3}
	require.True(t, ac.IsEmpty())
	require.NoError(t, ac.IsValid())
	require.True(t, ac.Equal(&AggregateCommit{Height: 3}))
	require.False(t, ac.Equal(&AggregateCommit{Height: 4}))
	require.False(t, ac.Equal(nil))
	ac.AggregationBits = []byte{1}
	require.False(t, ac.IsEmpty())
	require.Error(t, ac.IsValid())
	ac.CertificateSignature = []byte{1}
	require.NoError(t, ac.IsValid())
}
