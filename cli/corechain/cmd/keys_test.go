package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/corechain-org/corechain/crypto"
	"github.com/corechain-org/corechain/crypto/bls"
	testlogr "github.com/corechain-org/corechain/internal/testutils/logger"
	"github.com/corechain-org/corechain/network"
)

// execute runs the corechain command with "args" and returns what the command wrote to stdout.
func execute(t *testing.T, args string) (string, error) {
	t.Helper()
	app := New(testlogr.LoggerBuilder(t))
	out := &bytes.Buffer{}
	app.baseCmd.SetOut(out)
	app.baseCmd.SetArgs(strings.Fields(args))
	err := app.Execute(context.Background())
	return out.String(), err
}

func Test_GenerateKeys(t *testing.T) {
	homeDir := t.TempDir()

	out, err := execute(t, "keys generate --home "+homeDir)
	require.NoError(t, err)

	keys, err := LoadKeys(filepath.Join(homeDir, defaultKeysFileName))
	require.NoError(t, err)
	require.NotNil(t, keys.Generator)
	require.NotNil(t, keys.BLS)

	var printed []*validatorInfo
	require.NoError(t, yaml.Unmarshal([]byte(out), &printed))
	require.Len(t, printed, 1)
	info, err := keys.ValidatorInfo(1)
	require.NoError(t, err)
	require.Equal(t, info, printed[0])
	require.EqualValues(t, crypto.AddressFromPublicKey(info.GeneratorKey), info.Address)

	// the file is not overwritten unless forced
	_, err = execute(t, "keys generate --home "+homeDir)
	require.ErrorContains(t, err, "already exists")
	_, err = execute(t, "keys generate --force --home "+homeDir)
	require.NoError(t, err)
	newKeys, err := LoadKeys(filepath.Join(homeDir, defaultKeysFileName))
	require.NoError(t, err)
	newInfo, err := newKeys.ValidatorInfo(1)
	require.NoError(t, err)
	require.NotEqual(t, info.Address, newInfo.Address)
}

func Test_GenerateKeys_customFile(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "node1", "my-keys.json")

	_, err := execute(t, "keys generate --home "+t.TempDir()+" -k "+keyFile)
	require.NoError(t, err)
	require.FileExists(t, keyFile)

	out, err := execute(t, "keys validator --weight 5 -k "+keyFile)
	require.NoError(t, err)
	var printed []*validatorInfo
	require.NoError(t, yaml.Unmarshal([]byte(out), &printed))
	require.Len(t, printed, 1)
	require.EqualValues(t, 5, printed[0].BFTWeight)
}

func Test_LoadKeys(t *testing.T) {
	dir := t.TempDir()

	t.Run("file does not exist", func(t *testing.T) {
		_, err := LoadKeys(filepath.Join(dir, "missing.json"))
		require.ErrorContains(t, err, "reading keys file")
	})

	t.Run("invalid JSON", func(t *testing.T) {
		file := filepath.Join(dir, "invalid.json")
		require.NoError(t, os.WriteFile(file, []byte("{"), 0600))
		_, err := LoadKeys(file)
		require.ErrorContains(t, err, "decoding keys file")
	})

	t.Run("unsupported algorithm", func(t *testing.T) {
		file := filepath.Join(dir, "alg.json")
		require.NoError(t, os.WriteFile(file, []byte(`{"generator":{"algorithm":"ed25519","privateKey":"0x01"},"bls":{"algorithm":"bls-bn256","privateKey":"0x01"}}`), 0600))
		_, err := LoadKeys(file)
		require.EqualError(t, err, `generator key algorithm "ed25519" is not supported`)
	})

	t.Run("invalid generator key", func(t *testing.T) {
		file := filepath.Join(dir, "short.json")
		require.NoError(t, os.WriteFile(file, []byte(`{"generator":{"algorithm":"secp256k1","privateKey":"0x0102"},"bls":{"algorithm":"bls-bn256","privateKey":"0x01"}}`), 0600))
		_, err := LoadKeys(file)
		require.ErrorContains(t, err, "generator key: invalid private key length 2")
	})

	t.Run("round trip", func(t *testing.T) {
		keys, err := GenerateKeys()
		require.NoError(t, err)
		file := filepath.Join(dir, "keys.json")
		require.NoError(t, keys.WriteTo(file))

		loaded, err := LoadKeys(file)
		require.NoError(t, err)
		want, err := keys.Generator.MarshalPrivateKey()
		require.NoError(t, err)
		got, err := loaded.Generator.MarshalPrivateKey()
		require.NoError(t, err)
		require.Equal(t, want, got)

		msg := []byte("message")
		sig, err := loaded.BLS.Sign(msg)
		require.NoError(t, err)
		require.NoError(t, keys.BLS.PublicKey().Verify(msg, sig))
	})
}

func Test_PeerKeyPair(t *testing.T) {
	keys, err := GenerateKeys()
	require.NoError(t, err)
	keyPair, err := keys.PeerKeyPair()
	require.NoError(t, err)

	id, err := network.NodeIDFromPublicKeyBytes(keyPair.PublicKey)
	require.NoError(t, err)
	require.NotEmpty(t, id.String())

	// the same key is the generator key of the validator
	info, err := keys.ValidatorInfo(1)
	require.NoError(t, err)
	require.EqualValues(t, info.GeneratorKey, keyPair.PublicKey)

	blsPub, err := bls.PublicKeyFromBytes(info.BLSKey)
	require.NoError(t, err)
	require.NotNil(t, blsPub)
}
