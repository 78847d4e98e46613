package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/corechain-org/corechain/crypto"
	"github.com/corechain-org/corechain/crypto/bls"
	"github.com/corechain-org/corechain/network"
	"github.com/corechain-org/corechain/types"
)

const (
	algSecp256k1 = "secp256k1"
	algBLS       = "bls-bn256"

	forceKeyGenCmdFlag  = "force"
	keyFileCmdFlag      = "key-file"
	defaultKeysFileName = "keys.json"
)

type (
	// Keys of the node: generator key signs blocks (and is the identity of
	// the node in the p2p network), BLS key signs single commits.
	Keys struct {
		Generator *crypto.InMemorySecp256K1Signer
		BLS       *bls.SecretKey
	}

	keyFile struct {
		Generator key `json:"generator"`
		BLS       key `json:"bls"`
	}

	key struct {
		Algorithm  string      `json:"algorithm"`
		PrivateKey types.Bytes `json:"privateKey"`
	}

	// validatorInfo is the public information of the validator, the chain
	// configuration lists the validators in this format.
	validatorInfo struct {
		Address      types.Bytes `yaml:"address" json:"address"`
		GeneratorKey types.Bytes `yaml:"generatorKey" json:"generatorKey"`
		BLSKey       types.Bytes `yaml:"blsKey" json:"blsKey"`
		BFTWeight    uint64      `yaml:"bftWeight" json:"bftWeight,string"`
	}

	keysConfig struct {
		Base        *baseConfiguration
		KeyFilePath string
		Force       bool
	}
)

func newKeysCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &keysConfig{Base: baseConfig}
	var cmd = &cobra.Command{
		Use:   "keys",
		Short: "Manages the keys of the node",
	}
	cmd.PersistentFlags().StringVarP(&config.KeyFilePath, keyFileCmdFlag, "k", "", fmt.Sprintf("path to the keys file (default: $CC_HOME/%s)", defaultKeysFileName))

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generates the generator and BLS keys of the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateKeysRunFunc(config, cmd.OutOrStdout())
		},
	}
	generateCmd.Flags().BoolVarP(&config.Force, forceKeyGenCmdFlag, "f", false, "overwrite the existing keys file")

	var weight uint64
	validatorCmd := &cobra.Command{
		Use:   "validator",
		Short: "Prints the validator info of the keys for the chain configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := LoadKeys(config.keyFile())
			if err != nil {
				return err
			}
			return printValidatorInfo(keys, weight, cmd.OutOrStdout())
		},
	}
	validatorCmd.Flags().Uint64Var(&weight, "weight", 1, "BFT weight of the validator")

	cmd.AddCommand(generateCmd, validatorCmd)
	return cmd
}

func (c *keysConfig) keyFile() string {
	if c.KeyFilePath != "" {
		return c.KeyFilePath
	}
	return c.Base.pathInHome(defaultKeysFileName)
}

func generateKeysRunFunc(config *keysConfig, out io.Writer) error {
	file := config.keyFile()
	if _, err := os.Stat(file); err == nil && !config.Force {
		return fmt.Errorf("keys file %s already exists, use --%s to overwrite", file, forceKeyGenCmdFlag)
	}
	keys, err := GenerateKeys()
	if err != nil {
		return fmt.Errorf("generating keys: %w", err)
	}
	if err := keys.WriteTo(file); err != nil {
		return fmt.Errorf("saving keys: %w", err)
	}
	return printValidatorInfo(keys, 1, out)
}

func printValidatorInfo(keys *Keys, weight uint64, out io.Writer) error {
	info, err := keys.ValidatorInfo(weight)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	defer enc.Close()
	return enc.Encode([]*validatorInfo{info})
}

// GenerateKeys generates a new generator and BLS key.
func GenerateKeys() (*Keys, error) {
	generator, err := crypto.NewInMemorySecp256K1Signer()
	if err != nil {
		return nil, err
	}
	return &Keys{Generator: generator, BLS: bls.GenerateKey()}, nil
}

// LoadKeys loads the keys from JSON file.
func LoadKeys(file string) (*Keys, error) {
	data, err := os.ReadFile(filepath.Clean(file))
	if err != nil {
		return nil, fmt.Errorf("reading keys file: %w", err)
	}
	kf := &keyFile{}
	if err := json.Unmarshal(data, kf); err != nil {
		return nil, fmt.Errorf("decoding keys file %s: %w", file, err)
	}
	if kf.Generator.Algorithm != algSecp256k1 {
		return nil, fmt.Errorf("generator key algorithm %q is not supported", kf.Generator.Algorithm)
	}
	if kf.BLS.Algorithm != algBLS {
		return nil, fmt.Errorf("BLS key algorithm %q is not supported", kf.BLS.Algorithm)
	}

	generator, err := crypto.NewInMemorySecp256K1SignerFromKey(kf.Generator.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generator key: %w", err)
	}
	blsKey, err := bls.SecretKeyFromBytes(kf.BLS.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("BLS key: %w", err)
	}
	return &Keys{Generator: generator, BLS: blsKey}, nil
}

// WriteTo writes the keys into JSON file, missing directories are created.
func (k *Keys) WriteTo(file string) error {
	generatorKey, err := k.Generator.MarshalPrivateKey()
	if err != nil {
		return fmt.Errorf("encoding generator key: %w", err)
	}
	blsKey, err := k.BLS.Bytes()
	if err != nil {
		return fmt.Errorf("encoding BLS key: %w", err)
	}
	data, err := json.MarshalIndent(&keyFile{
		Generator: key{Algorithm: algSecp256k1, PrivateKey: generatorKey},
		BLS:       key{Algorithm: algBLS, PrivateKey: blsKey},
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return err
	}
	return os.WriteFile(file, data, 0600)
}

func (k *Keys) generatorPublicKey() ([]byte, error) {
	verifier, err := k.Generator.Verifier()
	if err != nil {
		return nil, err
	}
	return verifier.MarshalPublicKey()
}

// ValidatorInfo returns the public info of the validator with the given weight.
func (k *Keys) ValidatorInfo(weight uint64) (*validatorInfo, error) {
	pubKey, err := k.generatorPublicKey()
	if err != nil {
		return nil, fmt.Errorf("generator public key: %w", err)
	}
	blsPub, err := k.BLS.PublicKey().Bytes()
	if err != nil {
		return nil, fmt.Errorf("BLS public key: %w", err)
	}
	return &validatorInfo{
		Address:      crypto.AddressFromPublicKey(pubKey),
		GeneratorKey: pubKey,
		BLSKey:       blsPub,
		BFTWeight:    weight,
	}, nil
}

// PeerKeyPair returns the generator key as the key pair of the p2p identity.
func (k *Keys) PeerKeyPair() (*network.PeerKeyPair, error) {
	privKey, err := k.Generator.MarshalPrivateKey()
	if err != nil {
		return nil, err
	}
	pubKey, err := k.generatorPublicKey()
	if err != nil {
		return nil, err
	}
	if len(privKey) == 0 || len(pubKey) == 0 {
		return nil, errors.New("empty key")
	}
	return &network.PeerKeyPair{PrivateKey: privKey, PublicKey: pubKey}, nil
}
