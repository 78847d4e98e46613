package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

const (
	// PrivateKeySecp256K1Size is the size of the private key in bytes
	PrivateKeySecp256K1Size = 32
	// CompressedSecp256K1PublicKeySize is size of public key in compressed format
	CompressedSecp256K1PublicKeySize = 33
)

var ErrInvalidSignature = errors.New("signature verification failed")

type (
	// InMemorySecp256K1Signer holds the private key in memory.
	InMemorySecp256K1Signer struct {
		key *btcec.PrivateKey
	}

	verifierSecp256k1 struct {
		key *btcec.PublicKey
	}
)

// NewInMemorySecp256K1Signer generates new key pair and creates a new InMemorySecp256K1Signer.
func NewInMemorySecp256K1Signer() (*InMemorySecp256K1Signer, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating secp256k1 key: %w", err)
	}
	return &InMemorySecp256K1Signer{key: key}, nil
}

// NewInMemorySecp256K1SignerFromKey creates signer from an existing private key.
func NewInMemorySecp256K1SignerFromKey(privKey []byte) (*InMemorySecp256K1Signer, error) {
	if len(privKey) != PrivateKeySecp256K1Size {
		return nil, fmt.Errorf("invalid private key length %d, expected %d", len(privKey), PrivateKeySecp256K1Size)
	}
	key, _ := btcec.PrivKeyFromBytes(privKey)
	return &InMemorySecp256K1Signer{key: key}, nil
}

// SignBytes hashes the data with SHA-256 and returns DER encoded ECDSA signature.
func (s *InMemorySecp256K1Signer) SignBytes(data []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("signer is nil")
	}
	h := sha256.Sum256(data)
	return ecdsa.Sign(s.key, h[:]).Serialize(), nil
}

func (s *InMemorySecp256K1Signer) MarshalPrivateKey() ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("signer is nil")
	}
	return s.key.Serialize(), nil
}

func (s *InMemorySecp256K1Signer) Verifier() (Verifier, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("signer is nil")
	}
	return &verifierSecp256k1{key: s.key.PubKey()}, nil
}

// NewVerifierSecp256k1 creates new verifier from a compressed public key.
func NewVerifierSecp256k1(compressedPubKey []byte) (Verifier, error) {
	if len(compressedPubKey) != CompressedSecp256K1PublicKeySize {
		return nil, fmt.Errorf("pubkey must be %d bytes long, but is %d", CompressedSecp256K1PublicKeySize, len(compressedPubKey))
	}
	key, err := btcec.ParsePubKey(compressedPubKey)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return &verifierSecp256k1{key: key}, nil
}

func (v *verifierSecp256k1) VerifyBytes(sig []byte, data []byte) error {
	signature, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("parsing signature: %w", err)
	}
	h := sha256.Sum256(data)
	if !signature.Verify(h[:], v.key) {
		return ErrInvalidSignature
	}
	return nil
}

func (v *verifierSecp256k1) MarshalPublicKey() ([]byte, error) {
	return v.key.SerializeCompressed(), nil
}
