package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/crypto"
	test "github.com/corechain-org/corechain/internal/testutils"
	"github.com/corechain-org/corechain/modules/token"
	"github.com/corechain-org/corechain/types"
)

var chainID = []byte{0xC0, 0xDE}

func Test_createTransferTx(t *testing.T) {
	signer, err := crypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	recipient := test.RandomAddress()

	tx, err := createTransferTx(signer, chainID, recipient, 10, 2, 5)
	require.NoError(t, err)
	require.NoError(t, tx.IsValid())
	require.Equal(t, token.ModuleName, tx.Module)
	require.Equal(t, token.CommandTransfer, tx.Command)
	require.EqualValues(t, 5, tx.Nonce)
	require.EqualValues(t, 2, tx.Fee)
	require.Len(t, tx.Signatures, 1)

	params := &token.TransferParams{}
	require.NoError(t, cbor.Unmarshal(tx.Params, params))
	require.EqualValues(t, recipient, params.Recipient)
	require.EqualValues(t, 10, params.Amount)
}

func Test_sendAndConfirm(t *testing.T) {
	signer, err := crypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	tx, err := createTransferTx(signer, chainID, test.RandomAddress(), 10, 1, 0)
	require.NoError(t, err)
	txID, err := tx.ID()
	require.NoError(t, err)

	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/cbor", r.Header.Get("Content-Type"))
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		received := &types.Transaction{}
		require.NoError(t, cbor.Unmarshal(data, received))
		id, err := received.ID()
		require.NoError(t, err)
		w.WriteHeader(http.StatusAccepted)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]types.Bytes{"transactionId": id}))
	})
	mux.HandleFunc("GET /api/v1/transactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		// not found on the first poll
		if polls.Add(1) == 1 {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"transaction not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"transaction":{},"height":"7"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := &nodeClient{uri: srv.URL, http: srv.Client()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := client.sendTransaction(ctx, tx)
	require.NoError(t, err)
	require.EqualValues(t, txID, id)

	height, err := client.waitForConfirmation(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	require.EqualValues(t, 7, height)
	require.EqualValues(t, 2, polls.Load())
}

func Test_sendTransaction_rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"tx buffer is full"}`))
	}))
	defer srv.Close()

	signer, err := crypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	tx, err := createTransferTx(signer, chainID, test.RandomAddress(), 1, 1, 0)
	require.NoError(t, err)

	client := &nodeClient{uri: srv.URL, http: srv.Client()}
	_, err = client.sendTransaction(context.Background(), tx)
	require.EqualError(t, err, "503 Service Unavailable: tx buffer is full")

	_, err = client.waitForConfirmation(context.Background(), []byte{1}, time.Millisecond)
	require.EqualError(t, err, "503 Service Unavailable: tx buffer is full")
}
