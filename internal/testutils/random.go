package test

import (
	"crypto/rand"

	"github.com/corechain-org/corechain/crypto"
)

// RandomBytes returns slice of given length filled with random bytes.
func RandomBytes(len int) []byte {
	bytes := make([]byte, len)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return bytes
}

// RandomAddress returns random account address.
func RandomAddress() []byte {
	return RandomBytes(crypto.AddressLength)
}
