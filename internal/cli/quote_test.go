package cli

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diotec-barros/diotec360-sub008/internal/oracle"
)

func TestQuoteKey(t *testing.T) {
	out, _, err := execute(t, "quote", "key", "--source", "feed-a", "--seed", testSeed)
	require.NoError(t, err)
	source, key, ok := strings.Cut(strings.TrimSpace(out), "=")
	require.True(t, ok, out)
	assert.Equal(t, "feed-a", source)
	_, err = oracle.ParsePublicKey(key)
	require.NoError(t, err)

	out, _, err = execute(t, "quote", "key", "--source", "feed-a", "--seed", testSeed, "--format", "json")
	require.NoError(t, err)
	var data map[string]string
	decodeResponse(t, out, &data)
	assert.Equal(t, key, data["public_key"])
}

func TestQuoteSign_WritesFeed(t *testing.T) {
	feed := filepath.Join(t.TempDir(), "feed.yaml")

	out, _, err := execute(t, "quote", "sign", "--source", "feed-a", "--seed", testSeed,
		"--feed", feed, "--pair", "ETH/USD", "--price", "2000", "--at", "2026-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, "Signed ETH/USD = 2000 by feed-a at 2026-01-02T03:04:05Z\n", out)

	_, _, err = execute(t, "quote", "sign", "--source", "feed-a", "--seed", testSeed,
		"--feed", feed, "--pair", "ETH/USD", "--price", "2100", "--reference", "2050")
	require.NoError(t, err)
	_, _, err = execute(t, "quote", "sign", "--source", "feed-a", "--seed", testSeed,
		"--feed", feed, "--pair", "BTC/USD", "--price", "30000")
	require.NoError(t, err)

	f, err := oracle.ReadFeedFile(feed, false)
	require.NoError(t, err)
	require.Len(t, f.Quotes, 2)
	assert.Equal(t, "BTC/USD", f.Quotes[0].Pair)
	assert.Equal(t, "2100", f.Quotes[1].Price)
	assert.Equal(t, map[string]string{"ETH/USD": "2050"}, f.References)

	_, err = oracle.LoadFeed(feed)
	require.NoError(t, err)
}

func TestQuoteSign_Errors(t *testing.T) {
	feed := filepath.Join(t.TempDir(), "feed.yaml")
	base := []string{"quote", "sign", "--source", "feed-a", "--feed", feed, "--pair", "ETH/USD"}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"seed not hex", []string{"--seed", "zz", "--price", "1"}, "invalid seed"},
		{"seed too short", []string{"--seed", "0707", "--price", "1"}, "invalid seed"},
		{"bad price", []string{"--seed", testSeed, "--price", "abc"}, "invalid price"},
		{"bad reference", []string{"--seed", testSeed, "--price", "1", "--reference", "x"}, "invalid reference price"},
		{"bad timestamp", []string{"--seed", testSeed, "--price", "1", "--at", "tomorrow"}, "invalid --at timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, append(base, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestQuote_RequiredFlags(t *testing.T) {
	_, _, err := execute(t, "quote", "key", "--source", "feed-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed")
}
