package harness

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/diotec-barros/diotec360-sub008/internal/loader"
)

// mustState decodes a YAML mapping of amounts.
func mustState(t *testing.T, doc string) map[string]loader.Amount {
	t.Helper()
	var m map[string]loader.Amount
	require.NoError(t, yaml.Unmarshal([]byte(doc), &m))
	return m
}
