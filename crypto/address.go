package crypto

import (
	"crypto/sha256"
	"fmt"
)

// AddressLength is the length of the account address derived from a public key.
const AddressLength = 20

// Message tags used for domain separation of signed data.
const (
	TagBlockHeader = "CC_BH_"
	TagTransaction = "CC_TX_"
	TagCertificate = "CC_CE_"
)

// AddressFromPublicKey returns the first 20 bytes of SHA-256 hash of the public key.
func AddressFromPublicKey(pubKey []byte) []byte {
	h := sha256.Sum256(pubKey)
	return h[:AddressLength]
}

// TaggedMessage returns tag || chainID || msg, the byte string which is actually signed.
func TaggedMessage(tag string, chainID []byte, msg []byte) []byte {
	b := make([]byte, 0, len(tag)+len(chainID)+len(msg))
	b = append(b, tag...)
	b = append(b, chainID...)
	return append(b, msg...)
}

// SignWithTag signs the tagged message.
func SignWithTag(s Signer, tag string, chainID []byte, msg []byte) ([]byte, error) {
	sig, err := s.SignBytes(TaggedMessage(tag, chainID, msg))
	if err != nil {
		return nil, fmt.Errorf("signing %s message: %w", tag, err)
	}
	return sig, nil
}

// VerifyWithTag verifies signature of the tagged message.
func VerifyWithTag(v Verifier, sig []byte, tag string, chainID []byte, msg []byte) error {
	return v.VerifyBytes(sig, TaggedMessage(tag, chainID, msg))
}
