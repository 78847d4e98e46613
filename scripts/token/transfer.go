package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/cli/corechain/cmd"
	"github.com/corechain-org/corechain/crypto"
	"github.com/corechain-org/corechain/modules/token"
	"github.com/corechain-org/corechain/types"
)

/*
Example usage
go run scripts/token/transfer.go --key-file ~/.corechain/keys.json --chain-id 0xC0DE --recipient 0x1f3a... --amount 10 --nonce 0 --uri http://localhost:26690
*/
func main() {
	keyFile := flag.String("key-file", "", "keys file of the sender, the generator key signs the transaction")
	chainIDHex := flag.String("chain-id", "", "chain identifier (hex)")
	recipientHex := flag.String("recipient", "", "address of the recipient (hex)")
	amount := flag.Uint64("amount", 0, "amount to transfer")
	fee := flag.Uint64("fee", 1, "transaction fee")
	nonce := flag.Uint64("nonce", 0, "nonce of the sender account")
	uri := flag.String("uri", "http://localhost:26690", "REST API of the node where to send the transaction")
	timeout := flag.Duration("timeout", 30*time.Second, "how long to wait for the transaction to be included in a block")
	flag.Parse()

	if *keyFile == "" {
		log.Fatal("key-file is required")
	}
	if *amount == 0 {
		log.Fatal("amount is required")
	}
	chainID, err := decodeHex(*chainIDHex)
	if err != nil || len(chainID) == 0 {
		log.Fatalf("invalid chain-id: %v", err)
	}
	recipient, err := decodeHex(*recipientHex)
	if err != nil || len(recipient) != crypto.AddressLength {
		log.Fatalf("invalid recipient address %q", *recipientHex)
	}

	keys, err := cmd.LoadKeys(*keyFile)
	if err != nil {
		log.Fatal(err)
	}
	tx, err := createTransferTx(keys.Generator, chainID, recipient, *amount, *fee, *nonce)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := &nodeClient{uri: strings.TrimSuffix(*uri, "/"), http: http.DefaultClient}
	txID, err := client.sendTransaction(ctx, tx)
	if err != nil {
		log.Fatalf("failed to send transfer transaction: %v", err)
	}
	log.Printf("sent transfer transaction %X", txID)

	height, err := client.waitForConfirmation(ctx, txID, time.Second)
	if err != nil {
		log.Fatalf("failed to confirm transfer transaction: %v", err)
	}
	log.Printf("transfer transaction included in block %d", height)
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
}

func createTransferTx(signer crypto.Signer, chainID, recipient []byte, amount, fee, nonce uint64) (*types.Transaction, error) {
	params, err := cbor.Marshal(&token.TransferParams{Recipient: recipient, Amount: amount})
	if err != nil {
		return nil, fmt.Errorf("encoding transfer params: %w", err)
	}
	verifier, err := signer.Verifier()
	if err != nil {
		return nil, err
	}
	pubKey, err := verifier.MarshalPublicKey()
	if err != nil {
		return nil, err
	}
	tx := &types.Transaction{
		Module:          token.ModuleName,
		Command:         token.CommandTransfer,
		Nonce:           nonce,
		Fee:             fee,
		SenderPublicKey: pubKey,
		Params:          params,
	}
	if err := tx.Sign(signer, chainID); err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}
	return tx, nil
}

type nodeClient struct {
	uri  string
	http *http.Client
}

func (c *nodeClient) sendTransaction(ctx context.Context, tx *types.Transaction) ([]byte, error) {
	data, err := cbor.Marshal(tx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri+"/api/v1/transactions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/cbor")
	rsp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusAccepted {
		return nil, responseError(rsp)
	}
	var result struct {
		TransactionID types.Bytes `json:"transactionId"`
	}
	if err := json.NewDecoder(rsp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return result.TransactionID, nil
}

// waitForConfirmation polls the node until the transaction is found and returns the height of its block.
func (c *nodeClient) waitForConfirmation(ctx context.Context, txID []byte, interval time.Duration) (uint64, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/v1/transactions/0x%x", c.uri, txID), nil)
		if err != nil {
			return 0, err
		}
		rsp, err := c.http.Do(req)
		if err != nil {
			return 0, err
		}
		switch rsp.StatusCode {
		case http.StatusOK:
			var result struct {
				Height uint64 `json:"height,string"`
			}
			err := json.NewDecoder(rsp.Body).Decode(&result)
			rsp.Body.Close()
			return result.Height, err
		case http.StatusNotFound:
			rsp.Body.Close()
		default:
			err := responseError(rsp)
			rsp.Body.Close()
			return 0, err
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

func responseError(rsp *http.Response) error {
	var e struct {
		Err string `json:"error"`
	}
	data, err := io.ReadAll(rsp.Body)
	if err == nil && json.Unmarshal(data, &e) == nil && e.Err != "" {
		return fmt.Errorf("%s: %s", rsp.Status, e.Err)
	}
	return errors.New(rsp.Status)
}
