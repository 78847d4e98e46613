package rpc

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/metric"
)

const (
	headerContentType = "Content-Type"
	applicationJson   = "application/json"
	applicationCBOR   = "application/cbor"

	metricsScopeJRPCAPI = "jrpc_api" // json-rpc
	metricsScopeRESTAPI = "rest_api"

	DefaultMaxBodyBytes           int64 = 4194304 // 4MB
	DefaultBatchItemLimit         int   = 1000
	DefaultBatchResponseSizeLimit int   = int(DefaultMaxBodyBytes)
)

var allowedCORSHeaders = []string{"Accept", "Accept-Language", "Content-Language", "Origin", headerContentType}

type (
	// Registrar registers new HTTP handlers for given router.
	Registrar interface {
		Register(r *mux.Router)
	}

	// RegistrarFunc type is an adapter to allow the use of ordinary function as Registrar.
	RegistrarFunc func(r *mux.Router)

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		MetricsHandler() http.Handler
		Logger() *slog.Logger
	}

	API struct {
		Namespace string
		Service   any
	}

	// ServerConfiguration configures the HTTP server of the node, zero timeouts mean no timeout.
	ServerConfiguration struct {
		// host:port to listen on, the server is not started when empty
		Address           string
		ReadTimeout       time.Duration
		ReadHeaderTimeout time.Duration
		WriteTimeout      time.Duration
		IdleTimeout       time.Duration
		// request body limit, DefaultMaxBodyBytes when zero
		MaxBodyBytes int64
		// JSON-RPC batch limits: number of requests and the total size of the responses
		BatchItemLimit         int
		BatchResponseSizeLimit int
		// JSON-RPC services served under "/rpc"
		APIs []API
	}
)

func (c *ServerConfiguration) IsAddressEmpty() bool {
	return strings.TrimSpace(c.Address) == ""
}

func (c *ServerConfiguration) maxBodyBytes() int64 {
	if c.MaxBodyBytes <= 0 {
		return DefaultMaxBodyBytes
	}
	return c.MaxBodyBytes
}

/*
NewHTTPServer creates server which serves
  - the REST API (handlers of the "registrars") under "/api/v1";
  - the JSON-RPC APIs of the configuration under "/rpc" (both HTTP and WebSocket);
  - the Prometheus metrics under "/metrics" when the observability has metrics handler.
*/
func NewHTTPServer(conf *ServerConfiguration, obs Observability, registrars ...Registrar) (*http.Server, error) {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(http.NotFound)
	cors := handlers.CORS(handlers.AllowedHeaders(allowedCORSHeaders))

	if err := registerJSONRPC(router, conf, cors); err != nil {
		return nil, err
	}

	rest := router.PathPrefix("/api/v1").Subrouter()
	rest.Use(cors, instrumentHTTP(obs.Meter(metricsScopeRESTAPI), obs.Logger()))
	for _, r := range registrars {
		r.Register(rest)
	}

	if h := obs.MetricsHandler(); h != nil {
		router.Handle("/metrics", h).Methods(http.MethodGet)
	}

	return &http.Server{
		Addr:              conf.Address,
		Handler:           http.MaxBytesHandler(router, conf.maxBodyBytes()),
		ReadTimeout:       conf.ReadTimeout,
		ReadHeaderTimeout: conf.ReadHeaderTimeout,
		WriteTimeout:      conf.WriteTimeout,
		IdleTimeout:       conf.IdleTimeout,
	}, nil
}

func registerJSONRPC(router *mux.Router, conf *ServerConfiguration, cors mux.MiddlewareFunc) error {
	srv := rpc.NewServer()
	srv.SetBatchLimits(conf.BatchItemLimit, conf.BatchResponseSizeLimit)
	for _, api := range conf.APIs {
		if err := srv.RegisterName(api.Namespace, api.Service); err != nil {
			return fmt.Errorf("failed to register API %q: %w", api.Namespace, err)
		}
	}
	// websocket upgrade requests are matched before the plain HTTP handler
	router.Handle("/rpc", srv.WebsocketHandler([]string{"*"})).Headers("Connection", "Upgrade", "Upgrade", "websocket")
	router.Handle("/rpc", cors(srv))
	return nil
}

func (f RegistrarFunc) Register(r *mux.Router) {
	f(r)
}
