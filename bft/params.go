package bft

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"

	"github.com/holiman/uint256"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/crypto"
	"github.com/corechain-org/corechain/crypto/bls"
	"github.com/corechain-org/corechain/types"
)

type (
	Validator struct {
		_            struct{}    `cbor:",toarray"`
		Address      types.Bytes `json:"address"`
		BFTWeight    uint64      `json:"bftWeight,string"`
		BLSKey       types.Bytes `json:"blsKey"`
		GeneratorKey types.Bytes `json:"generatorKey"`
	}

	/*
		Parameters are the BFT parameters in effect starting from some height.
		Validators are sorted by address, the order defines the bits of the
		aggregation bitmap of the aggregate commits.
	*/
	Parameters struct {
		_                    struct{}     `cbor:",toarray"`
		PrevoteThreshold     uint64       `json:"prevoteThreshold,string"`
		PrecommitThreshold   uint64       `json:"precommitThreshold,string"`
		CertificateThreshold uint64       `json:"certificateThreshold,string"`
		Validators           []*Validator `json:"validators"`
		ValidatorsHash       types.Bytes  `json:"validatorsHash"`
	}

	// validatorsHashInput is the data hashed into Parameters.ValidatorsHash.
	validatorsHashInput struct {
		_                    struct{} `cbor:",toarray"`
		Keys                 []validatorHashKey
		CertificateThreshold uint64
	}

	validatorHashKey struct {
		_         struct{} `cbor:",toarray"`
		BLSKey    []byte
		BFTWeight uint64
	}
)

/*
NewParameters sorts the validators and calculates prevote threshold and the
validators hash. Returns error when the set of validators or the thresholds
are not valid.
*/
func NewParameters(validators []*Validator, precommitThreshold, certificateThreshold uint64) (*Parameters, error) {
	p := &Parameters{
		PrecommitThreshold:   precommitThreshold,
		CertificateThreshold: certificateThreshold,
		Validators:           slices.Clone(validators),
	}
	slices.SortFunc(p.Validators, func(a, b *Validator) int { return bytes.Compare(a.Address, b.Address) })
	if err := p.validateValidators(); err != nil {
		return nil, err
	}

	total, err := p.TotalWeight()
	if err != nil {
		return nil, err
	}
	// prevote threshold is floor(2/3 * total) + 1
	threshold := new(uint256.Int).Mul(total, uint256.NewInt(2))
	threshold.Div(threshold, uint256.NewInt(3)).AddUint64(threshold, 1)
	p.PrevoteThreshold = threshold.Uint64()

	if err := p.validateThresholds(total); err != nil {
		return nil, err
	}
	if p.ValidatorsHash, err = p.calculateValidatorsHash(); err != nil {
		return nil, err
	}
	return p, nil
}

// IsValid checks the parameters read from the state or received from network.
func (p *Parameters) IsValid() error {
	if p == nil {
		return errors.New("parameters are nil")
	}
	if err := p.validateValidators(); err != nil {
		return err
	}
	if !slices.IsSortedFunc(p.Validators, func(a, b *Validator) int { return bytes.Compare(a.Address, b.Address) }) {
		return errors.New("validators are not sorted by address")
	}
	total, err := p.TotalWeight()
	if err != nil {
		return err
	}
	if err := p.validateThresholds(total); err != nil {
		return err
	}
	h, err := p.calculateValidatorsHash()
	if err != nil {
		return err
	}
	if !bytes.Equal(h, p.ValidatorsHash) {
		return fmt.Errorf("validators hash mismatch: expected %X, got %X", h, p.ValidatorsHash)
	}
	return nil
}

func (p *Parameters) validateValidators() error {
	if len(p.Validators) == 0 {
		return errors.New("validator set is empty")
	}
	seen := make(map[string]struct{}, len(p.Validators))
	for i, v := range p.Validators {
		if v == nil {
			return fmt.Errorf("validator %d is nil", i)
		}
		if len(v.Address) != crypto.AddressLength {
			return fmt.Errorf("validator %d: invalid address length %d", i, len(v.Address))
		}
		if _, err := bls.PublicKeyFromBytes(v.BLSKey); err != nil {
			return fmt.Errorf("validator %X: invalid BLS key: %w", v.Address, err)
		}
		if len(v.GeneratorKey) != crypto.CompressedSecp256K1PublicKeySize {
			return fmt.Errorf("validator %X: invalid generator key length %d", v.Address, len(v.GeneratorKey))
		}
		if _, ok := seen[string(v.Address)]; ok {
			return fmt.Errorf("duplicate validator address %X", v.Address)
		}
		seen[string(v.Address)] = struct{}{}
	}
	return nil
}

// validateThresholds checks that thresholds are in range (total/3, total].
func (p *Parameters) validateThresholds(total *uint256.Int) error {
	oneThird := new(uint256.Int).Div(total, uint256.NewInt(3))
	for _, th := range []struct {
		name  string
		value uint64
	}{
		{"precommit", p.PrecommitThreshold},
		{"certificate", p.CertificateThreshold},
	} {
		v := uint256.NewInt(th.value)
		if v.Cmp(oneThird) <= 0 {
			return fmt.Errorf("%s threshold %d must be greater than one third of the total weight %s", th.name, th.value, total.Dec())
		}
		if v.Cmp(total) > 0 {
			return fmt.Errorf("%s threshold %d must not be greater than the total weight %s", th.name, th.value, total.Dec())
		}
	}
	return nil
}

// TotalWeight returns sum of the BFT weights, error when it doesn't fit into uint64.
func (p *Parameters) TotalWeight() (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, v := range p.Validators {
		total.Add(total, uint256.NewInt(v.BFTWeight))
	}
	if !total.IsUint64() {
		return nil, fmt.Errorf("total BFT weight %s overflows uint64", total.Dec())
	}
	if total.IsZero() {
		return nil, errors.New("total BFT weight is zero")
	}
	return total, nil
}

func (p *Parameters) calculateValidatorsHash() ([]byte, error) {
	in := validatorsHashInput{CertificateThreshold: p.CertificateThreshold}
	for _, v := range p.Validators {
		in.Keys = append(in.Keys, validatorHashKey{BLSKey: v.BLSKey, BFTWeight: v.BFTWeight})
	}
	b, err := cbor.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding validators: %w", err)
	}
	h := sha256.Sum256(b)
	return h[:], nil
}

// Validator returns validator with given address and its index in the validator list.
func (p *Parameters) Validator(address []byte) (*Validator, int) {
	for i, v := range p.Validators {
		if bytes.Equal(v.Address, address) {
			return v, i
		}
	}
	return nil, -1
}

/*
AggregateWeight returns sum of the weights of the validators whose bits are
set in the bitmap. Error is returned when bits beyond the validator set are set.
*/
func (p *Parameters) AggregateWeight(bitmap []byte) (*uint256.Int, error) {
	if want := len(types.NewBitmap(len(p.Validators))); len(bitmap) != want {
		return nil, fmt.Errorf("aggregation bitmap length %d, expected %d", len(bitmap), want)
	}
	for i := len(p.Validators); i < len(bitmap)*8; i++ {
		if types.IsBitSet(bitmap, i) {
			return nil, fmt.Errorf("aggregation bit %d is set but there are only %d validators", i, len(p.Validators))
		}
	}
	weight := new(uint256.Int)
	for i, v := range p.Validators {
		if types.IsBitSet(bitmap, i) {
			weight.Add(weight, uint256.NewInt(v.BFTWeight))
		}
	}
	return weight, nil
}
