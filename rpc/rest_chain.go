package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/chain"
	"github.com/corechain-org/corechain/logger"
	"github.com/corechain-org/corechain/txbuffer"
	"github.com/corechain-org/corechain/types"
)

type (
	// Chain is the read access to the local chain the API serves.
	Chain interface {
		LastBlock() *types.Block
		FinalizedHeight() uint64
		GetBlockByID(id []byte) (*types.Block, error)
		GetBlockByHeight(height uint64) (*types.Block, error)
		GetEvents(height uint64) ([]*types.Event, error)
		GetTransactionByID(id []byte) (*types.Transaction, uint64, error)
	}

	// TxBuffer receives the transactions submitted to the node.
	TxBuffer interface {
		Add(ctx context.Context, tx *types.Transaction) ([]byte, error)
	}

	transactionResponse struct {
		Transaction *types.Transaction `json:"transaction"`
		Height      uint64             `json:"height,string"`
	}

	submitResponse struct {
		TransactionID types.Bytes `json:"transactionId"`
	}

	errorResponse struct {
		_   struct{} `cbor:",toarray"`
		Err string   `json:"error"`
	}
)

/*
ChainEndpoints registers the endpoints to query blocks, events and transactions
of the chain and to submit transactions into the transaction buffer. The submit
endpoint is not registered when "txBuf" is nil.

Responses are JSON encoded unless the request accepts "application/cbor".
*/
func ChainEndpoints(c Chain, txBuf TxBuffer, obs Observability) RegistrarFunc {
	return func(r *mux.Router) {
		log := obs.Logger()
		txReceived := metricsUpdaterTxReceived(obs.Meter(metricsScopeRESTAPI), log)

		r.HandleFunc("/blocks/latest", getLatestBlock(c, log)).Methods(http.MethodGet)
		r.HandleFunc("/blocks/id/{id}", getBlockByID(c, log)).Methods(http.MethodGet)
		r.HandleFunc("/blocks/{height}", getBlockByHeight(c, log)).Methods(http.MethodGet)
		r.HandleFunc("/events/{height}", getEvents(c, log)).Methods(http.MethodGet)
		r.HandleFunc("/transactions/{id}", getTransaction(c, log)).Methods(http.MethodGet)
		if txBuf != nil {
			r.HandleFunc("/transactions", submitTransaction(txBuf, txReceived, log)).Methods(http.MethodPost)
		}
	}
}

func getLatestBlock(c Chain, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := c.LastBlock()
		if b == nil {
			writeError(w, r, chain.ErrEmptyChain, http.StatusNotFound, log)
			return
		}
		writeResponse(w, r, b, http.StatusOK, log)
	}
}

func getBlockByHeight(c Chain, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		height, err := heightParam(r)
		if err != nil {
			writeError(w, r, err, http.StatusBadRequest, log)
			return
		}
		b, err := c.GetBlockByHeight(height)
		if err != nil {
			writeError(w, r, err, statusCode(err), log)
			return
		}
		writeResponse(w, r, b, http.StatusOK, log)
	}
}

func getBlockByID(c Chain, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := hexParam(r, "id")
		if err != nil {
			writeError(w, r, err, http.StatusBadRequest, log)
			return
		}
		b, err := c.GetBlockByID(id)
		if err != nil {
			writeError(w, r, err, statusCode(err), log)
			return
		}
		writeResponse(w, r, b, http.StatusOK, log)
	}
}

func getEvents(c Chain, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		height, err := heightParam(r)
		if err != nil {
			writeError(w, r, err, http.StatusBadRequest, log)
			return
		}
		events, err := c.GetEvents(height)
		if err != nil {
			writeError(w, r, err, statusCode(err), log)
			return
		}
		if events == nil {
			events = []*types.Event{}
		}
		writeResponse(w, r, events, http.StatusOK, log)
	}
}

func getTransaction(c Chain, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := hexParam(r, "id")
		if err != nil {
			writeError(w, r, err, http.StatusBadRequest, log)
			return
		}
		tx, height, err := c.GetTransactionByID(id)
		if err != nil {
			writeError(w, r, err, statusCode(err), log)
			return
		}
		writeResponse(w, r, &transactionResponse{Transaction: tx, Height: height}, http.StatusOK, log)
	}
}

/*
submitTransaction decodes the transaction (CBOR or JSON, depending on the
Content-Type of the request) and adds it into the transaction buffer.
*/
func submitTransaction(txBuf TxBuffer, txReceived func(context.Context, *types.Transaction, error), log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		tx, err := decodeTransaction(r)
		if err != nil {
			txReceived(r.Context(), nil, err)
			writeError(w, r, fmt.Errorf("decoding transaction: %w", err), http.StatusBadRequest, log)
			return
		}
		id, err := txBuf.Add(r.Context(), tx)
		txReceived(r.Context(), tx, err)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, txbuffer.ErrTxInBuffer) || errors.Is(err, txbuffer.ErrTxBufferFull) {
				status = http.StatusServiceUnavailable
			}
			writeError(w, r, err, status, log)
			return
		}
		writeResponse(w, r, &submitResponse{TransactionID: id}, http.StatusAccepted, log)
	}
}

func decodeTransaction(r *http.Request) (*types.Transaction, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	tx := &types.Transaction{}
	if strings.HasPrefix(r.Header.Get(headerContentType), applicationJson) {
		err = json.Unmarshal(data, tx)
	} else {
		err = cbor.Unmarshal(data, tx)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.IsValid(); err != nil {
		return nil, err
	}
	return tx, nil
}

func heightParam(r *http.Request) (uint64, error) {
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid height: %w", err)
	}
	return height, nil
}

func hexParam(r *http.Request, name string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(mux.Vars(r)[name], "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return b, nil
}

func statusCode(err error) int {
	if errors.Is(err, chain.ErrBlockNotFound) || errors.Is(err, chain.ErrTransactionNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeResponse(w http.ResponseWriter, r *http.Request, v any, status int, log *slog.Logger) {
	var err error
	if strings.Contains(r.Header.Get("Accept"), applicationCBOR) {
		w.Header().Set(headerContentType, applicationCBOR)
		w.WriteHeader(status)
		err = cbor.Encode(w, v)
	} else {
		w.Header().Set(headerContentType, applicationJson)
		w.WriteHeader(status)
		err = json.NewEncoder(w).Encode(v)
	}
	if err != nil {
		log.WarnContext(r.Context(), "failed to write response", logger.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error, status int, log *slog.Logger) {
	if status >= http.StatusInternalServerError {
		log.WarnContext(r.Context(), "serving request", logger.Error(err))
	}
	writeResponse(w, r, &errorResponse{Err: err.Error()}, status, log)
}
