package rpc

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/corechain-org/corechain/cbor"
	testobserve "github.com/corechain-org/corechain/internal/testutils/observability"
	testtransaction "github.com/corechain-org/corechain/internal/testutils/transaction"
)

func TestNewHTTPServer_metrics(t *testing.T) {
	obs := testobserve.WithMetrics(t)
	ping := RegistrarFunc(func(r *mux.Router) {
		r.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}).Methods(http.MethodGet)
	})
	srv, err := NewHTTPServer(&ServerConfiguration{}, obs, ping)
	require.NoError(t, err)

	rsp := doRequest(srv.Handler, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	require.Equal(t, http.StatusTeapot, rsp.Code)

	rsp = doRequest(srv.Handler, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rsp.Code)
	require.Contains(t, rsp.Body.String(), `http_route="/api/v1/ping"`)
	require.Contains(t, rsp.Body.String(), `http_response_status_code="418"`)
}

func TestNewHTTPServer_noMetrics(t *testing.T) {
	srv, err := NewHTTPServer(&ServerConfiguration{}, testobserve.NOPObservability())
	require.NoError(t, err)
	rsp := doRequest(srv.Handler, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rsp.Code)
}

func TestNewHTTPServer_maxBodyBytes(t *testing.T) {
	c, _, _ := newChain(t)
	obs := testobserve.NOPObservability()
	data, err := cbor.Marshal(testtransaction.NewTransaction(t))
	require.NoError(t, err)

	txBuf := &mockTxBuffer{}
	srv, err := NewHTTPServer(&ServerConfiguration{MaxBodyBytes: 10}, obs, ChainEndpoints(c, txBuf, obs))
	require.NoError(t, err)
	rsp := doRequest(srv.Handler, httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewReader(data)))
	require.Equal(t, http.StatusBadRequest, rsp.Code)
	require.Empty(t, txBuf.txs)
}

func TestNewHTTPServer_invalidAPI(t *testing.T) {
	c, _, _ := newChain(t)
	obs := testobserve.NOPObservability()
	conf := &ServerConfiguration{APIs: []API{{Namespace: "chain", Service: 42}}}
	_, err := NewHTTPServer(conf, obs)
	require.ErrorContains(t, err, `failed to register API "chain"`)

	conf.APIs = []API{{Namespace: "chain", Service: NewChainAPI(c, nil, obs)}}
	_, err = NewHTTPServer(conf, obs)
	require.NoError(t, err)
}
