package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diotec-barros/diotec360-sub008/internal/oracle"
)

func newFlags(t *testing.T, args ...string) (*viper.Viper, *pflag.FlagSet) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	v := viper.New()
	require.NoError(t, Bind(v, fs))
	return v, fs
}

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestFromViper_Defaults(t *testing.T) {
	v, _ := newFlags(t)
	c, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestFromViper_Flags(t *testing.T) {
	v, _ := newFlags(t, "--workers=3", "--level-timeout=2s", "--scale=4", "--db=/tmp/x.db")
	c, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Workers)
	assert.Equal(t, 2*time.Second, c.LevelTimeout)
	assert.Equal(t, int32(4), c.Scale)
	assert.Equal(t, "/tmp/x.db", c.DB)
}

func TestFromViper_EnvOverridesDefault(t *testing.T) {
	t.Setenv("SYNCHRONY_STALENESS_WINDOW", "5s")
	t.Setenv("SYNCHRONY_PROOF_CACHE_SIZE", "0")

	v, _ := newFlags(t)
	c, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.StalenessWindow)
	assert.Equal(t, 0, c.ProofCacheSize)
}

func TestFromViper_OTLPEndpoint(t *testing.T) {
	t.Setenv("SYNCHRONY_OTLP_ENDPOINT", "http://collector:4318")

	v, _ := newFlags(t)
	c, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "http://collector:4318", c.OTLPEndpoint)
}

func TestFromViper_FlagBeatsEnv(t *testing.T) {
	t.Setenv("SYNCHRONY_WORKERS", "2")

	v, _ := newFlags(t, "--workers=6")
	c, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 6, c.Workers)
}

func TestReadFile(t *testing.T) {
	s, err := oracle.NewSigner("feed", bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "synchrony.yaml")
	content := "workers: 4\nslippage-tolerance: \"0.01\"\ntrusted-sources:\n  feed: " + s.PublicKeyHex() + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	v, _ := newFlags(t)
	require.NoError(t, ReadFile(v, path))
	c, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, "0.01", c.SlippageTolerance)
	keys, err := c.TrustedKeys()
	require.NoError(t, err)
	assert.Equal(t, s.PublicKey(), keys["feed"])
}

func TestReadFile_Missing(t *testing.T) {
	v := viper.New()
	assert.NoError(t, ReadFile(v, ""))
	assert.Error(t, ReadFile(v, filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Error(t, ReadFile(v, t.TempDir()))
}

func TestValidate_ReportsEverything(t *testing.T) {
	c := Default()
	c.Workers = 0
	c.SlippageTolerance = "abc"
	c.Scale = 19
	c.TrustedSources = map[string]string{"feed": "zz"}
	c.OTLPEndpoint = "grpc://collector:4317"

	err := c.Validate()
	require.Error(t, err)
	for _, key := range []string{KeyWorkers, KeySlippageTolerance, KeyScale, KeyTrustedSources, KeyOTLPEndpoint} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestSlippage(t *testing.T) {
	c := Default()
	d, err := c.Slippage()
	require.NoError(t, err)
	assert.Equal(t, "0.05", d.Text('f'))

	c.SlippageTolerance = "-0.1"
	_, err = c.Slippage()
	assert.Error(t, err)
}
