package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout, stderr and
// the command error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), errOut.String(), err
}

// writeFile writes content to dir/name and returns the path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// decodeResponse decodes a JSON CLIResponse whose data is unmarshaled into
// data.
func decodeResponse(t *testing.T, raw string, data any) CLIResponse {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &resp), "output: %s", raw)
	if data != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return CLIResponse{Status: resp.Status, Error: resp.Error}
}

// ledger is a temp database path.
func ledger(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ledger.db")
}

const transferBatch = `name: transfers
scale: 2
state:
  X: "100.00"
  Y: "0.00"
  Z: "50.00"
  W: "0.00"
transactions:
  - id: T1
    ops:
      - {kind: transfer, resource: X, to: Y, amount: "10.00"}
    deltas: {X: "-10.00", Y: "10.00"}
  - id: T2
    ops:
      - {kind: transfer, resource: Z, to: W, amount: "5.00"}
    deltas: {Z: "-5.00", W: "5.00"}
  - id: T3
    ops:
      - {kind: transfer, resource: Y, to: W, amount: "2.50"}
    deltas: {Y: "-2.50", W: "2.50"}
`

const unbalancedBatch = `name: unbalanced
scale: 2
state:
  E: "50.00"
  F: "0.00"
transactions:
  - id: T1
    ops:
      - {kind: transfer, resource: E, to: F, amount: "5.00"}
    deltas: {E: "-4.00", F: "4.00"}
`

const conversionBatch = `name: liquidation
scale: 2
state:
  "alice:ETH": "5.00"
  "alice:USD": "0.00"
transactions:
  - id: L1
    conversion: ETH/USD
    ops:
      - {kind: debit, resource: "alice:ETH", amount: "1.00"}
      - {kind: credit, resource: "alice:USD", amount: "2000.00"}
    deltas: {"alice:ETH": "-1.00", "alice:USD": "2000.00"}
`

const cyclicBatch = `name: cyclic
transactions:
  - id: A
    depends_on: [B]
    ops:
      - {kind: credit, resource: X, amount: 1}
  - id: B
    depends_on: [A]
    ops:
      - {kind: credit, resource: Y, amount: 1}
`
