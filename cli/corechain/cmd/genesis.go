package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/corechain-org/corechain/bft"
	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/consensus"
	"github.com/corechain-org/corechain/modules/auth"
	"github.com/corechain-org/corechain/modules/token"
	"github.com/corechain-org/corechain/statemachine"
	"github.com/corechain-org/corechain/types"
)

const (
	defaultChainConfigFileName = "chain.yaml"
	defaultGenesisFileName     = "genesis.cbor"

	chainConfigCmdFlag = "chain-config"
	genesisCmdFlag     = "genesis"
)

type (
	// chainConfig describes the chain: the parameters of the state machine,
	// the genesis validators and the initial token balances.
	chainConfig struct {
		ChainID             types.Bytes `yaml:"chainId"`
		BlockTime           uint32      `yaml:"blockTime"` // seconds
		MaxTransactionsSize uint32      `yaml:"maxTransactionsSize"`
		GenesisHeight       uint64      `yaml:"genesisHeight"`
		// unix seconds, current time is used when zero
		GenesisTimestamp uint64 `yaml:"genesisTimestamp"`
		// when zero the threshold is 2/3 of the total BFT weight + 1
		PrecommitThreshold   uint64           `yaml:"precommitThreshold"`
		CertificateThreshold uint64           `yaml:"certificateThreshold"`
		Validators           []*validatorInfo `yaml:"validators"`
		Accounts             []*accountConfig `yaml:"accounts"`
		// configs of the modules keyed by module name, passed to the
		// modules JSON encoded
		Modules map[string]any `yaml:"modules"`
	}

	accountConfig struct {
		Address types.Bytes `yaml:"address"`
		Amount  uint64      `yaml:"amount"`
	}

	genesisConfig struct {
		Base            *baseConfiguration
		ChainConfigFile string
		OutputFile      string
		Force           bool
	}
)

func newGenesisCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &genesisConfig{Base: baseConfig}
	var cmd = &cobra.Command{
		Use:   "genesis",
		Short: "Creates the genesis block of the chain",
		Long:  `Creates the genesis block of the chain described by the chain configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return genesisRunFunc(config, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&config.ChainConfigFile, chainConfigCmdFlag, "c", "", fmt.Sprintf("path to the chain configuration file (default: $CC_HOME/%s)", defaultChainConfigFileName))
	cmd.Flags().StringVarP(&config.OutputFile, "output", "o", "", fmt.Sprintf("path to the genesis file to create (default: $CC_HOME/%s)", defaultGenesisFileName))
	cmd.Flags().BoolVarP(&config.Force, "force", "f", false, "overwrite the existing genesis file")
	return cmd
}

func genesisRunFunc(config *genesisConfig, out io.Writer) error {
	outputFile := config.OutputFile
	if outputFile == "" {
		outputFile = config.Base.pathInHome(defaultGenesisFileName)
	}
	if _, err := os.Stat(outputFile); err == nil && !config.Force {
		return fmt.Errorf("genesis file %s already exists", outputFile)
	}

	chainCfg, err := loadChainConfig(chainConfigFile(config.Base, config.ChainConfigFile))
	if err != nil {
		return err
	}
	if chainCfg.GenesisTimestamp == 0 {
		chainCfg.GenesisTimestamp = uint64(time.Now().Unix())
	}
	genesis, err := createGenesisBlock(chainCfg, config.Base)
	if err != nil {
		return fmt.Errorf("creating genesis block: %w", err)
	}
	if err := writeGenesis(outputFile, genesis); err != nil {
		return fmt.Errorf("saving genesis block: %w", err)
	}
	id, err := genesis.ID()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "genesis block %X (height %d) saved to %s\n", id, genesis.Height(), outputFile)
	return err
}

func chainConfigFile(base *baseConfiguration, file string) string {
	if file != "" {
		return file
	}
	return base.pathInHome(defaultChainConfigFileName)
}

func loadChainConfig(file string) (*chainConfig, error) {
	data, err := os.ReadFile(filepath.Clean(file))
	if err != nil {
		return nil, fmt.Errorf("reading chain configuration: %w", err)
	}
	cfg := &chainConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decoding chain configuration %s: %w", file, err)
	}
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid chain configuration %s: %w", file, err)
	}
	return cfg, nil
}

func (c *chainConfig) IsValid() error {
	if len(c.ChainID) == 0 {
		return consensus.ErrChainIDIsEmpty
	}
	if c.BlockTime == 0 {
		return errors.New("block time must be greater than zero")
	}
	if len(c.Validators) == 0 {
		return errors.New("validator list is empty")
	}
	return nil
}

func (c *chainConfig) genesisConfig() *statemachine.GenesisConfig {
	return &statemachine.GenesisConfig{
		ChainID:             c.ChainID,
		BlockTime:           c.BlockTime,
		MaxTransactionsSize: c.MaxTransactionsSize,
	}
}

func (c *chainConfig) moduleConfigs() (map[string][]byte, error) {
	configs := make(map[string][]byte, len(c.Modules))
	for name, cfg := range c.Modules {
		data, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encoding config of the module %q: %w", name, err)
		}
		configs[name] = data
	}
	return configs, nil
}

func (c *chainConfig) bftAsset() *bft.GenesisAsset {
	asset := &bft.GenesisAsset{
		PrecommitThreshold:   c.PrecommitThreshold,
		CertificateThreshold: c.CertificateThreshold,
	}
	var totalWeight uint64
	for _, v := range c.Validators {
		asset.Validators = append(asset.Validators, &bft.Validator{
			Address:      v.Address,
			BFTWeight:    v.BFTWeight,
			BLSKey:       v.BLSKey,
			GeneratorKey: v.GeneratorKey,
		})
		totalWeight += v.BFTWeight
	}
	threshold := totalWeight*2/3 + 1
	if asset.PrecommitThreshold == 0 {
		asset.PrecommitThreshold = threshold
	}
	if asset.CertificateThreshold == 0 {
		asset.CertificateThreshold = threshold
	}
	return asset
}

func (c *chainConfig) genesisAssets() (types.BlockAssets, error) {
	bftAsset, err := cbor.Marshal(c.bftAsset())
	if err != nil {
		return nil, fmt.Errorf("encoding bft asset: %w", err)
	}
	assets := types.BlockAssets{}
	assets.SetAsset(bft.ModuleName, bftAsset)

	if len(c.Accounts) > 0 {
		tokenAsset := &token.GenesisAsset{}
		for _, acc := range c.Accounts {
			tokenAsset.Accounts = append(tokenAsset.Accounts, &token.GenesisAccount{Address: acc.Address, Amount: acc.Amount})
		}
		data, err := cbor.Marshal(tokenAsset)
		if err != nil {
			return nil, fmt.Errorf("encoding token asset: %w", err)
		}
		assets.SetAsset(token.ModuleName, data)
	}
	return assets, nil
}

/*
newStateMachine creates the state machine with the modules of the chain
(bft and auth as system modules, token as an ordinary module) and initializes
the modules with the configs of the chain configuration.
*/
func newStateMachine(chainCfg *chainConfig, obs statemachine.Observability) (*statemachine.StateMachine, *bft.Module, error) {
	bftModule := bft.NewModule()
	sm, err := statemachine.New(obs,
		statemachine.WithSystemModules(bftModule, auth.NewModule()),
		statemachine.WithModules(token.NewModule()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating state machine: %w", err)
	}
	moduleConfigs, err := chainCfg.moduleConfigs()
	if err != nil {
		return nil, nil, err
	}
	if err := sm.Init(chainCfg.genesisConfig(), moduleConfigs, nil); err != nil {
		return nil, nil, err
	}
	return sm, bftModule, nil
}

func createGenesisBlock(chainCfg *chainConfig, base *baseConfiguration) (*types.Block, error) {
	sm, _, err := newStateMachine(chainCfg, base.observe)
	if err != nil {
		return nil, err
	}
	assets, err := chainCfg.genesisAssets()
	if err != nil {
		return nil, err
	}
	return consensus.CreateGenesisBlock(sm, chainCfg.ChainID, consensus.GenesisParams{
		Height:    chainCfg.GenesisHeight,
		Timestamp: chainCfg.GenesisTimestamp,
		Assets:    assets,
	}, base.observe.Logger())
}

func writeGenesis(file string, genesis *types.Block) error {
	data, err := cbor.Marshal(genesis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return err
	}
	return os.WriteFile(file, data, 0600)
}

func loadGenesis(file string) (*types.Block, error) {
	data, err := os.ReadFile(filepath.Clean(file))
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}
	genesis := &types.Block{}
	if err := cbor.Unmarshal(data, genesis); err != nil {
		return nil, fmt.Errorf("decoding genesis file %s: %w", file, err)
	}
	return genesis, nil
}
