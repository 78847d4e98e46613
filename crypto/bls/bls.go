/*
Package bls wraps BLS signatures on the BN256 pairing curve used for validator
certificate signatures and their aggregation.
*/
package bls

import (
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
)

var suite = bn256.NewSuite()

var ErrNoSignatures = errors.New("nothing to aggregate")

type (
	SecretKey struct {
		s   kyber.Scalar
		pub *PublicKey
	}

	PublicKey struct {
		p kyber.Point
	}
)

// GenerateKey creates new random key pair.
func GenerateKey() *SecretKey {
	s, p := bls.NewKeyPair(suite, random.New())
	return &SecretKey{s: s, pub: &PublicKey{p: p}}
}

// SecretKeyFromBytes unmarshals secret key produced by SecretKey.Bytes.
func SecretKeyFromBytes(b []byte) (*SecretKey, error) {
	s := suite.G2().Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("decoding BLS secret key: %w", err)
	}
	p := suite.G2().Point().Mul(s, nil)
	return &SecretKey{s: s, pub: &PublicKey{p: p}}, nil
}

func (k *SecretKey) Bytes() ([]byte, error) {
	return k.s.MarshalBinary()
}

func (k *SecretKey) PublicKey() *PublicKey {
	return k.pub
}

// Sign returns BLS signature (G1 point) of the message.
func (k *SecretKey) Sign(msg []byte) ([]byte, error) {
	return bls.Sign(suite, k.s, msg)
}

// PublicKeyFromBytes unmarshals public key produced by PublicKey.Bytes.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	p := suite.G2().Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("decoding BLS public key: %w", err)
	}
	return &PublicKey{p: p}, nil
}

func (pk *PublicKey) Bytes() ([]byte, error) {
	return pk.p.MarshalBinary()
}

// Verify checks the (possibly aggregated) signature of the message.
func (pk *PublicKey) Verify(msg, sig []byte) error {
	return bls.Verify(suite, pk.p, msg, sig)
}

// AggregatePublicKeys combines public keys so that the result can verify
// signatures aggregated by AggregateSignatures over the same message.
func AggregatePublicKeys(keys ...*PublicKey) (*PublicKey, error) {
	if len(keys) == 0 {
		return nil, ErrNoSignatures
	}
	points := make([]kyber.Point, len(keys))
	for i, k := range keys {
		points[i] = k.p
	}
	return &PublicKey{p: bls.AggregatePublicKeys(suite, points...)}, nil
}

func AggregateSignatures(sigs ...[]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, ErrNoSignatures
	}
	return bls.AggregateSignatures(suite, sigs...)
}

// VerifyAggregate verifies aggregate signature of the message against the given signers.
func VerifyAggregate(keys []*PublicKey, msg, sig []byte) error {
	apk, err := AggregatePublicKeys(keys...)
	if err != nil {
		return err
	}
	return apk.Verify(msg, sig)
}
