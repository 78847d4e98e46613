package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ainvaltin/httpsrv"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/corechain-org/corechain/chain"
	"github.com/corechain-org/corechain/consensus"
	"github.com/corechain-org/corechain/consensus/event"
	"github.com/corechain-org/corechain/internal/debug"
	"github.com/corechain-org/corechain/keyvaluedb/boltdb"
	"github.com/corechain-org/corechain/logger"
	"github.com/corechain-org/corechain/network"
	"github.com/corechain-org/corechain/rpc"
	"github.com/corechain-org/corechain/txbuffer"
)

const (
	chainStoreFileName = "chain.db"

	defaultP2PAddress  = "/ip4/127.0.0.1/tcp/26652"
	defaultRPCAddress  = "localhost:26690"
	defaultTxBufSize   = 1000
	defaultNodeName    = "corechain"
	eventChanCapacity  = 100
	rpcShutdownTimeout = 5 * time.Second
)

type nodeRunConfig struct {
	Base *baseConfiguration

	Name            string
	DBFile          string
	ChainConfigFile string
	GenesisFile     string
	KeyFile         string
	// generate and certify blocks with the keys of the key file
	Validator bool

	Address            string
	AnnounceAddresses  []string
	BootstrapAddresses []string

	TxBufferSize    uint
	MaxTransactions int
	MaxSearchDepth  uint64

	RPCServer rpc.ServerConfiguration
}

func newRunCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &nodeRunConfig{Base: baseConfig}
	var cmd = &cobra.Command{
		Use:   "run",
		Short: "Starts a node",
		Long:  `Starts a node of the chain described by the chain configuration and the genesis block.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), config)
		},
	}

	cmd.Flags().StringVar(&config.Name, "name", defaultNodeName, "name of the node reported by the info endpoint")
	cmd.Flags().StringVar(&config.DBFile, "db", "", fmt.Sprintf("path to the chain database (default: $CC_HOME/%s)", chainStoreFileName))
	cmd.Flags().StringVarP(&config.ChainConfigFile, chainConfigCmdFlag, "c", "", fmt.Sprintf("path to the chain configuration file (default: $CC_HOME/%s)", defaultChainConfigFileName))
	cmd.Flags().StringVarP(&config.GenesisFile, genesisCmdFlag, "g", "", fmt.Sprintf("path to the genesis file (default: $CC_HOME/%s)", defaultGenesisFileName))
	cmd.Flags().StringVarP(&config.KeyFile, keyFileCmdFlag, "k", "", fmt.Sprintf("path to the keys file (default: $CC_HOME/%s)", defaultKeysFileName))
	cmd.Flags().BoolVar(&config.Validator, "validator", false, "generate blocks with the keys of the key file")

	cmd.Flags().StringVar(&config.Address, "address", defaultP2PAddress, "address of the p2p host in libp2p multiaddress format")
	cmd.Flags().StringSliceVar(&config.AnnounceAddresses, "announce-addresses", nil, "list of addresses in libp2p multiaddress format to announce to the other peers")
	cmd.Flags().StringSliceVar(&config.BootstrapAddresses, "bootstrap-addresses", nil, "list of bootstrap peer addresses in id@libp2p-multiaddress format")

	cmd.Flags().UintVar(&config.TxBufferSize, "tx-buffer-size", defaultTxBufSize, "max number of transactions in the transaction buffer")
	cmd.Flags().IntVar(&config.MaxTransactions, "max-transactions", consensus.DefaultMaxTransactions, "max number of transactions in a generated block")
	cmd.Flags().Uint64Var(&config.MaxSearchDepth, "max-search-depth", consensus.DefaultMaxSearchDepth, "how many blocks back the common block is searched during synchronization")

	cmd.Flags().StringVar(&config.RPCServer.Address, "rpc-server-address", defaultRPCAddress, "address the RPC server listens on, empty disables the server")
	cmd.Flags().DurationVar(&config.RPCServer.ReadTimeout, "rpc-server-read-timeout", 0, "maximum duration for reading the entire request, including the body")
	cmd.Flags().DurationVar(&config.RPCServer.ReadHeaderTimeout, "rpc-server-read-header-timeout", 0, "amount of time allowed to read request headers")
	cmd.Flags().DurationVar(&config.RPCServer.WriteTimeout, "rpc-server-write-timeout", 0, "maximum duration before timing out writes of the response")
	cmd.Flags().DurationVar(&config.RPCServer.IdleTimeout, "rpc-server-idle-timeout", 0, "maximum amount of time to wait for the next request when keep-alives are enabled")
	cmd.Flags().Int64Var(&config.RPCServer.MaxBodyBytes, "rpc-server-max-body", rpc.DefaultMaxBodyBytes, "maximum number of bytes the server will read parsing the request body")
	cmd.Flags().IntVar(&config.RPCServer.BatchItemLimit, "rpc-server-batch-item-limit", rpc.DefaultBatchItemLimit, "maximum number of requests in a JSON-RPC batch")
	cmd.Flags().IntVar(&config.RPCServer.BatchResponseSizeLimit, "rpc-server-batch-response-size-limit", rpc.DefaultBatchResponseSizeLimit, "maximum number of response bytes across all requests in a JSON-RPC batch")
	return cmd
}

func (c *nodeRunConfig) path(file, defaultName string) string {
	if file != "" {
		return file
	}
	return c.Base.pathInHome(defaultName)
}

func (c *nodeRunConfig) bootstrapPeers() ([]peer.AddrInfo, error) {
	bootNodes := make([]peer.AddrInfo, 0, len(c.BootstrapAddresses))
	for _, str := range c.BootstrapAddresses {
		l := strings.Split(strings.TrimSpace(str), "@")
		if len(l) != 2 {
			return nil, fmt.Errorf("invalid bootstrap node parameter: %s", str)
		}
		id, err := peer.Decode(l[0])
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap node id: %s", l[0])
		}
		addr, err := ma.NewMultiaddr(l[1])
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap node address: %s", l[1])
		}
		bootNodes = append(bootNodes, peer.AddrInfo{ID: id, Addrs: []ma.Multiaddr{addr}})
	}
	return bootNodes, nil
}

/*
runNode starts the p2p network, the consensus and the RPC server of the node
and runs them until ctx is cancelled or one of them fails.
*/
func runNode(ctx context.Context, config *nodeRunConfig) error {
	obs := config.Base.observe
	log := obs.Logger()

	chainCfg, err := loadChainConfig(chainConfigFile(config.Base, config.ChainConfigFile))
	if err != nil {
		return err
	}
	genesis, err := loadGenesis(config.path(config.GenesisFile, defaultGenesisFileName))
	if err != nil {
		return err
	}
	keys, err := LoadKeys(config.path(config.KeyFile, defaultKeysFileName))
	if err != nil {
		return err
	}

	db, err := boltdb.New(config.path(config.DBFile, chainStoreFileName))
	if err != nil {
		return fmt.Errorf("opening chain database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.WarnContext(ctx, "closing chain database", logger.Error(err))
		}
	}()
	chainStore, err := chain.New(db, obs)
	if err != nil {
		return fmt.Errorf("loading chain: %w", err)
	}

	sm, bftModule, err := newStateMachine(chainCfg, obs)
	if err != nil {
		return err
	}
	txBuf, err := txbuffer.New(config.TxBufferSize, obs)
	if err != nil {
		return fmt.Errorf("creating transaction buffer: %w", err)
	}

	self, err := newPeer(ctx, config, keys, obs.PrometheusRegisterer(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := self.Close(); err != nil {
			log.WarnContext(ctx, "closing p2p peer", logger.Error(err))
		}
	}()
	nw, err := network.New(ctx, self, chainCfg.ChainID, chainStore, network.DefaultOptions, obs)
	if err != nil {
		return fmt.Errorf("creating network: %w", err)
	}

	opts := []consensus.Option{
		consensus.WithBlockTime(uint64(chainCfg.BlockTime)),
		consensus.WithTxBuffer(txBuf),
		consensus.WithMaxTransactions(config.MaxTransactions),
		consensus.WithMaxSearchDepth(config.MaxSearchDepth),
		consensus.WithEventHandler(func(e *event.Event) {
			log.DebugContext(ctx, "consensus event "+e.EventType.String(), logger.Data(e.Content))
		}, eventChanCapacity),
	}
	if config.Validator {
		opts = append(opts, consensus.WithGenerator(keys.Generator, keys.BLS))
	}
	cons, err := consensus.New(chainCfg.ChainID, genesis, sm, bftModule, chainStore, nw, obs, opts...)
	if err != nil {
		return fmt.Errorf("creating consensus: %w", err)
	}

	log.InfoContext(ctx, fmt.Sprintf("starting node %s (validator: %t): BuildInfo=%s", self.ID(), config.Validator, debug.ReadBuildInfo()))
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return nw.Run(ctx) })

	g.Go(func() error { return cons.Run(ctx) })

	g.Go(func() error {
		if err := self.BootstrapConnect(ctx, log); err != nil {
			log.WarnContext(ctx, "connecting to the bootstrap peers", logger.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		if config.RPCServer.IsAddressEmpty() {
			return nil // do not cancel the group!
		}
		// only the generator takes transactions from the buffer
		var submit rpc.TxBuffer
		if config.Validator {
			submit = txBuf
		}
		config.RPCServer.APIs = []rpc.API{
			{Namespace: "chain", Service: rpc.NewChainAPI(chainStore, submit, obs)},
		}
		server, err := rpc.NewHTTPServer(&config.RPCServer, obs,
			rpc.ChainEndpoints(chainStore, submit, obs),
			rpc.InfoEndpoints(chainCfg.ChainID, config.Name, chainStore, func() string { return cons.Status().String() }, self, log),
		)
		if err != nil {
			return err
		}
		return serveHTTP(ctx, server, log)
	})

	return g.Wait()
}

func newPeer(ctx context.Context, config *nodeRunConfig, keys *Keys, prom prometheus.Registerer, log *slog.Logger) (*network.Peer, error) {
	keyPair, err := keys.PeerKeyPair()
	if err != nil {
		return nil, fmt.Errorf("peer key pair: %w", err)
	}
	bootNodes, err := config.bootstrapPeers()
	if err != nil {
		return nil, err
	}
	peerConf, err := network.NewPeerConfiguration(config.Address, config.AnnounceAddresses, keyPair, bootNodes)
	if err != nil {
		return nil, fmt.Errorf("peer configuration: %w", err)
	}
	self, err := network.NewPeer(ctx, peerConf, log, prom)
	if err != nil {
		return nil, fmt.Errorf("creating p2p peer: %w", err)
	}
	return self, nil
}

func serveHTTP(ctx context.Context, server *http.Server, log *slog.Logger) error {
	log.InfoContext(ctx, "RPC server starting on "+server.Addr)
	err := httpsrv.Run(ctx, *server, httpsrv.ShutdownTimeout(rpcShutdownTimeout))
	log.InfoContext(ctx, "RPC server exited", logger.Error(err))
	return err
}
