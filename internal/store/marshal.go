package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/diotec-barros/diotec360-sub008/internal/canon"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

// marshalState converts a resource map to canonical JSON TEXT.
func marshalState(state map[string]int64) (string, error) {
	if state == nil {
		state = map[string]int64{}
	}
	data, err := canon.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	return string(data), nil
}

// marshalIDs converts an id list (witness) to canonical JSON TEXT.
func marshalIDs(ids []string) (string, error) {
	data, err := canon.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshal ids: %w", err)
	}
	return string(data), nil
}

// marshalLevels converts parallel groups to canonical JSON TEXT.
func marshalLevels(levels [][]string) (string, error) {
	if levels == nil {
		levels = [][]string{}
	}
	data, err := canon.Marshal(levels)
	if err != nil {
		return "", fmt.Errorf("marshal levels: %w", err)
	}
	return string(data), nil
}

// marshalTransactions converts transactions to JSON TEXT. Transactions are
// structs, so they go through encoding/json with HTML escaping disabled;
// struct field order is fixed, map keys are sorted.
func marshalTransactions(txns []*txn.Transaction) (string, error) {
	if txns == nil {
		txns = []*txn.Transaction{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(txns); err != nil {
		return "", fmt.Errorf("marshal transactions: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func unmarshalState(data string) (map[string]int64, error) {
	out := map[string]int64{}
	if data == "" {
		return out, nil
	}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var raw map[string]json.Number
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	for k, n := range raw {
		v, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("unmarshal state %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func unmarshalIDs(data string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal ids: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func unmarshalLevels(data string) ([][]string, error) {
	var out [][]string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal levels: %w", err)
	}
	if out == nil {
		out = [][]string{}
	}
	return out, nil
}

func unmarshalTransactions(data string) ([]*txn.Transaction, error) {
	var out []*txn.Transaction
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal transactions: %w", err)
	}
	return out, nil
}
