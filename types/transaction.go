package types

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/crypto"
)

var (
	ErrTransactionIsNil = errors.New("transaction is nil")
	errModuleMissing    = errors.New("module name is missing")
	errCommandMissing   = errors.New("command name is missing")
	errSignatureMissing = errors.New("transaction has no signatures")
	errInvalidSenderKey = errors.New("invalid sender public key length")
)

/*
Transaction is a module command invocation signed by the sender. Params are
opaque, the schema is owned by the command.
*/
type Transaction struct {
	_               struct{} `cbor:",toarray"`
	Module          string   `json:"module"`
	Command         string   `json:"command"`
	Nonce           uint64   `json:"nonce,string"`
	Fee             uint64   `json:"fee,string"`
	SenderPublicKey Bytes    `json:"senderPublicKey"`
	Params          Bytes    `json:"params"`
	Signatures      []Bytes  `json:"signatures"`
}

// ID returns hash of the signed transaction bytes.
func (tx *Transaction) ID() ([]byte, error) {
	if tx == nil {
		return nil, ErrTransactionIsNil
	}
	b, err := cbor.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encoding transaction: %w", err)
	}
	h := sha256.Sum256(b)
	return h[:], nil
}

// SigBytes returns the bytes which are signed by the sender, ie transaction without signatures.
func (tx *Transaction) SigBytes() ([]byte, error) {
	if tx == nil {
		return nil, ErrTransactionIsNil
	}
	c := *tx
	c.Signatures = nil
	return cbor.Marshal(&c)
}

func (tx *Transaction) SenderAddress() []byte {
	return crypto.AddressFromPublicKey(tx.SenderPublicKey)
}

// Sign replaces signatures of the tx with the signature of the signer.
func (tx *Transaction) Sign(signer crypto.Signer, chainID []byte) error {
	msg, err := tx.SigBytes()
	if err != nil {
		return err
	}
	sig, err := crypto.SignWithTag(signer, crypto.TagTransaction, chainID, msg)
	if err != nil {
		return err
	}
	tx.Signatures = []Bytes{sig}
	return nil
}

// IsValid checks the structure of the transaction, signatures are not verified.
func (tx *Transaction) IsValid() error {
	if tx == nil {
		return ErrTransactionIsNil
	}
	if tx.Module == "" {
		return errModuleMissing
	}
	if tx.Command == "" {
		return errCommandMissing
	}
	if len(tx.SenderPublicKey) != crypto.CompressedSecp256K1PublicKeySize {
		return fmt.Errorf("%w: %d", errInvalidSenderKey, len(tx.SenderPublicKey))
	}
	if len(tx.Signatures) == 0 {
		return errSignatureMissing
	}
	return nil
}
