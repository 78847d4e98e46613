package commitpool

import (
	"fmt"

	"github.com/corechain-org/corechain/bft"
	"github.com/corechain-org/corechain/crypto/bls"
	"github.com/corechain-org/corechain/types"
)

// NewSingleCommit signs the certificate of the header with the validator's BLS key.
func NewSingleCommit(chainID []byte, header *types.BlockHeader, validatorAddress []byte, key *bls.SecretKey) (*types.SingleCommit, error) {
	cert, err := types.NewCertificate(header)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	msg, err := cert.SigningBytes(chainID)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	return &types.SingleCommit{
		BlockID:              cert.BlockID,
		Height:               cert.Height,
		ValidatorAddress:     validatorAddress,
		CertificateSignature: sig,
	}, nil
}

func verifySingleCommit(chainID []byte, cert *types.Certificate, validator *bft.Validator, sig []byte) error {
	key, err := bls.PublicKeyFromBytes(validator.BLSKey)
	if err != nil {
		return fmt.Errorf("validator %X BLS key: %w", validator.Address, err)
	}
	msg, err := cert.SigningBytes(chainID)
	if err != nil {
		return err
	}
	if err := key.Verify(msg, sig); err != nil {
		return fmt.Errorf("invalid certificate signature: %w", err)
	}
	return nil
}

// verifyAggregateCommit checks the aggregate signature against the validators marked in the bitmap.
func verifyAggregateCommit(chainID []byte, cert *types.Certificate, params *bft.Parameters, ac *types.AggregateCommit) error {
	var keys []*bls.PublicKey
	for i, v := range params.Validators {
		if !types.IsBitSet(ac.AggregationBits, i) {
			continue
		}
		key, err := bls.PublicKeyFromBytes(v.BLSKey)
		if err != nil {
			return fmt.Errorf("validator %X BLS key: %w", v.Address, err)
		}
		keys = append(keys, key)
	}
	msg, err := cert.SigningBytes(chainID)
	if err != nil {
		return err
	}
	if err := bls.VerifyAggregate(keys, msg, ac.CertificateSignature); err != nil {
		return fmt.Errorf("invalid aggregate certificate signature: %w", err)
	}
	return nil
}
