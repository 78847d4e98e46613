package crypto

type (
	// Signer signs data with the private key it holds.
	Signer interface {
		// SignBytes returns signature of the data.
		SignBytes(data []byte) ([]byte, error)
		// MarshalPrivateKey returns the raw private key, NewInMemorySecp256K1SignerFromKey restores the signer from it.
		MarshalPrivateKey() ([]byte, error)
		// Verifier returns verifier of the public key of the signer.
		Verifier() (Verifier, error)
	}

	// Verifier verifies signatures of a single public key.
	Verifier interface {
		// VerifyBytes returns error when "sig" is not a valid signature of "data".
		VerifyBytes(sig []byte, data []byte) error
		// MarshalPublicKey returns the compressed public key.
		MarshalPublicKey() ([]byte, error)
	}
)
