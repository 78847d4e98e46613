package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/crypto"
)

type (
	/*
		AggregateCommit certifies a block height: the aggregated BLS signature of
		the validators marked in AggregationBits over the certificate of the block
		at Height. The empty aggregate commit (no bits, no signature) refers to the
		current maxHeightCertified.
	*/
	AggregateCommit struct {
		_                    struct{} `cbor:",toarray"`
		Height               uint64   `json:"height,string"`
		AggregationBits      Bytes    `json:"aggregationBits"`
		CertificateSignature Bytes    `json:"certificateSignature"`
	}

	// SingleCommit is a vote of a single validator for the block at Height.
	SingleCommit struct {
		_                    struct{} `cbor:",toarray"`
		BlockID              Bytes    `json:"blockID"`
		Height               uint64   `json:"height,string"`
		ValidatorAddress     Bytes    `json:"validatorAddress"`
		CertificateSignature Bytes    `json:"certificateSignature"`
	}

	// Certificate is the data signed by validators when certifying a block.
	Certificate struct {
		_               struct{} `cbor:",toarray"`
		BlockID         Bytes    `json:"blockID"`
		Height          uint64   `json:"height,string"`
		Timestamp       uint64   `json:"timestamp,string"`
		StateRoot       Bytes    `json:"stateRoot"`
		ValidatorsHash  Bytes    `json:"validatorsHash"`
		AggregationBits Bytes    `json:"aggregationBits,omitempty"`
		Signature       Bytes    `json:"signature,omitempty"`
	}
)

func (ac *AggregateCommit) IsEmpty() bool {
	return ac != nil && len(ac.AggregationBits) == 0 && len(ac.CertificateSignature) == 0
}

func (ac *AggregateCommit) Equal(other *AggregateCommit) bool {
	if ac == nil || other == nil {
		return ac == other
	}
	return ac.Height == other.Height &&
		bytes.Equal(ac.AggregationBits, other.AggregationBits) &&
		bytes.Equal(ac.CertificateSignature, other.CertificateSignature)
}

// IsValid checks that the commit is either empty or has both bitmap and signature.
func (ac *AggregateCommit) IsValid() error {
	if ac == nil {
		return errors.New("aggregate commit is nil")
	}
	if (len(ac.AggregationBits) == 0) != (len(ac.CertificateSignature) == 0) {
		return errors.New("aggregate commit must have both aggregation bits and signature or neither")
	}
	return nil
}

func (sc *SingleCommit) IsValid() error {
	if sc == nil {
		return errors.New("single commit is nil")
	}
	if len(sc.BlockID) == 0 {
		return errors.New("block ID is missing")
	}
	if len(sc.ValidatorAddress) != crypto.AddressLength {
		return fmt.Errorf("invalid validator address length %d", len(sc.ValidatorAddress))
	}
	if len(sc.CertificateSignature) == 0 {
		return errors.New("certificate signature is missing")
	}
	return nil
}

// NewCertificate derives unsigned certificate from the block header.
func NewCertificate(h *BlockHeader) (*Certificate, error) {
	id, err := h.ID()
	if err != nil {
		return nil, err
	}
	return &Certificate{
		BlockID:        id,
		Height:         h.Height,
		Timestamp:      h.Timestamp,
		StateRoot:      h.StateRoot,
		ValidatorsHash: h.ValidatorsHash,
	}, nil
}

// SigningBytes returns the message signed by validators: tag, chain ID and the
// certificate without aggregation bits and signature.
func (c *Certificate) SigningBytes(chainID []byte) ([]byte, error) {
	unsigned := *c
	unsigned.AggregationBits = nil
	unsigned.Signature = nil
	b, err := cbor.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("encoding certificate: %w", err)
	}
	return crypto.TaggedMessage(crypto.TagCertificate, chainID, b), nil
}
