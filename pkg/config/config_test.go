package config

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"
)

func newTestCommand(v **viper.Viper) *cobra.Command {
	var guardianRPC *string
	var interval *time.Duration

	cmd := &cobra.Command{
		Use: "config_file_reader_test",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			*v, err = InitFileConfig(cmd, ConfigOptions{FilePath: "testdata/relayer.yaml", EnvPrefix: "TEST_RELAYER"})
			return err
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "guardianRPC:", *guardianRPC, "interval:", *interval)
		},
	}
	guardianRPC = cmd.Flags().String("guardianRPC", "", "Guardian public RPC")
	interval = cmd.Flags().Duration("workerInterval", 3*time.Second, "Reconciliation interval")
	return cmd
}

func TestInitFileConfig(t *testing.T) {
	t.Run("config file", func(t *testing.T) {
		var v *viper.Viper
		cmd := newTestCommand(&v)
		out := &bytes.Buffer{}
		cmd.SetOut(out)
		cmd.SetArgs([]string{})
		require.NoError(t, cmd.Execute())
		assert.Equal(t, "guardianRPC: guardian.example:443 interval: 5s\n", out.String())

		chains, err := LoadChains(v)
		require.NoError(t, err)
		require.Len(t, chains, 2)
		assert.Equal(t, vaa.ChainIDEthereum, chains[0].ID)
		assert.Equal(t, "ws://eth-devnet:8545", chains[0].RPC)
		assert.Equal(t, eth_common.HexToAddress("0x0290FB167208Af455bB137780163b7B7a9a10C16"), chains[0].RelayerAddress)
		assert.Equal(t, "0000000000000000000000000290fb167208af455bb137780163b7b7a9a10c16", chains[0].RelayerEmitter().String())
	})

	t.Run("env", func(t *testing.T) {
		t.Setenv("TEST_RELAYER_GUARDIANRPC", "env-guardian:443")
		var v *viper.Viper
		cmd := newTestCommand(&v)
		out := &bytes.Buffer{}
		cmd.SetOut(out)
		cmd.SetArgs([]string{})
		require.NoError(t, cmd.Execute())
		assert.Equal(t, "guardianRPC: env-guardian:443 interval: 5s\n", out.String())
	})

	t.Run("flag", func(t *testing.T) {
		t.Setenv("TEST_RELAYER_GUARDIANRPC", "env-guardian:443")
		var v *viper.Viper
		cmd := newTestCommand(&v)
		out := &bytes.Buffer{}
		cmd.SetOut(out)
		cmd.SetArgs([]string{"--guardianRPC=flag-guardian:443"})
		require.NoError(t, cmd.Execute())
		assert.Equal(t, "guardianRPC: flag-guardian:443 interval: 5s\n", out.String())
	})
}

func TestParseChainsRejectsInvalid(t *testing.T) {
	good := ChainConfig{
		ChainID:        2,
		RPC:            "http://localhost:8545",
		CoreContract:   "0xC89Ce4735882C9F0f0FE26686c53074E09B0D550",
		RelayerAddress: "0x0290FB167208Af455bB137780163b7B7a9a10C16",
		RelayProvider:  "0x3ee18B2214AFF97000D974cf647E7C347E8fa585",
	}

	_, err := ParseChains(nil)
	assert.ErrorIs(t, err, ErrInvalidChainConfig)

	_, err = ParseChains([]ChainConfig{good, good})
	assert.ErrorIs(t, err, ErrInvalidChainConfig)

	bad := good
	bad.RelayProvider = "not-an-address"
	_, err = ParseChains([]ChainConfig{bad})
	assert.ErrorIs(t, err, ErrInvalidChainConfig)

	bad = good
	bad.CoreContract = "0x0000000000000000000000000000000000000000"
	_, err = ParseChains([]ChainConfig{bad})
	assert.ErrorIs(t, err, ErrInvalidChainConfig)

	bad = good
	bad.RPC = ""
	_, err = ParseChains([]ChainConfig{bad})
	assert.ErrorIs(t, err, ErrInvalidChainConfig)

	chains, err := ParseChains([]ChainConfig{good})
	require.NoError(t, err)
	assert.Len(t, chains, 1)
}

func TestLoadPrivateKey(t *testing.T) {
	key, err := LoadPrivateKey("0x4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d")
	require.NoError(t, err)
	assert.NotNil(t, key)

	_, err = LoadPrivateKey("")
	assert.Error(t, err)
	_, err = LoadPrivateKey("zz")
	assert.Error(t, err)
}
