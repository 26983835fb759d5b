// Package loader reads batch files.
//
// A batch file names a batch, optionally fixes the decimal scale of its
// amounts and an initial state, and lists transactions:
//
//	name: transfers
//	scale: 2
//	state:
//	  X: "100.00"
//	transactions:
//	  - id: T1
//	    ops:
//	      - {kind: transfer, resource: X, to: Y, amount: "10.00"}
//	    deltas: {X: "-10.00", Y: "10.00"}
//
// YAML and JSON files are decoded with unknown fields rejected. CUE files
// are unified with an embedded schema first. Amounts are converted to
// int64 minor units exactly; a literal with more precision than the scale
// allows is an error.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

// Error codes for load failures.
const (
	ErrCodeIO     = "IO_ERROR"
	ErrCodeParse  = "PARSE_ERROR"
	ErrCodeSchema = "SCHEMA_ERROR"
	ErrCodeAmount = "AMOUNT_ERROR"
)

// LoadError describes why a batch file could not be loaded.
type LoadError struct {
	Code    string
	Path    string
	Field   string // e.g. "transactions[0].ops[1].amount"
	Message string
	Line    int
	Column  int
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	var b strings.Builder
	if e.Path != "" {
		b.WriteString(e.Path)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Code)
	if e.Field != "" {
		b.WriteString(" " + e.Field)
	}
	b.WriteString(": " + e.Message)
	return b.String()
}

// IsLoadError returns true if err is a batch file error.
// Uses errors.As to handle wrapped errors.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// File is the decoded form of a batch file.
type File struct {
	Name         string            `yaml:"name" json:"name"`
	Scale        *int32            `yaml:"scale,omitempty" json:"scale,omitempty"`
	State        map[string]Amount `yaml:"state,omitempty" json:"state,omitempty"`
	Transactions []TxnSpec         `yaml:"transactions" json:"transactions"`
}

// TxnSpec is one transaction as written. When neither read_set nor
// write_set is given they are derived from the operations. A missing deltas
// key leaves the transaction unmetered; an empty map declares no change.
type TxnSpec struct {
	ID         string            `yaml:"id" json:"id"`
	Ops        []OpSpec          `yaml:"ops" json:"ops"`
	ReadSet    []string          `yaml:"read_set,omitempty" json:"read_set,omitempty"`
	WriteSet   []string          `yaml:"write_set,omitempty" json:"write_set,omitempty"`
	Deltas     map[string]Amount `yaml:"deltas,omitempty" json:"deltas,omitempty"`
	DependsOn  []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Conversion string            `yaml:"conversion,omitempty" json:"conversion,omitempty"`
}

// OpSpec is one operation as written.
type OpSpec struct {
	Kind     string     `yaml:"kind" json:"kind"`
	Resource string     `yaml:"resource" json:"resource"`
	To       string     `yaml:"to,omitempty" json:"to,omitempty"`
	Amount   *Amount    `yaml:"amount,omitempty" json:"amount,omitempty"`
	Guard    *GuardSpec `yaml:"guard,omitempty" json:"guard,omitempty"`
}

// GuardSpec is a guard as written.
type GuardSpec struct {
	Resource string  `yaml:"resource" json:"resource"`
	Min      *Amount `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *Amount `yaml:"max,omitempty" json:"max,omitempty"`
}

// Loaded is a converted batch file.
type Loaded struct {
	Batch txn.Batch
	State map[string]int64
	Scale int32
}

// Format selects the decoder.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatOf infers the format from a file extension. Unknown extensions
// are treated as YAML.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Load reads and converts the batch file at path. defaultScale applies
// when the file does not set one. A batch without a name is named after
// the file.
func Load(path string, defaultScale int32) (*Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeIO, Path: path, Message: err.Error()}
	}
	l, err := Parse(data, FormatOf(path), path, defaultScale)
	if err != nil {
		return nil, err
	}
	if l.Batch.Name == "" {
		l.Batch.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return l, nil
}

// Parse decodes and converts data. name is used in error messages.
func Parse(data []byte, format Format, name string, defaultScale int32) (*Loaded, error) {
	var (
		f   *File
		err error
	)
	switch format {
	case FormatCUE:
		f, err = decodeCUE(data, name)
	default:
		// JSON is a subset of YAML; one decoder serves both.
		f, err = decodeYAML(data, name)
	}
	if err != nil {
		return nil, err
	}
	return f.Convert(name, defaultScale)
}

func decodeYAML(data []byte, name string) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, &LoadError{Code: ErrCodeParse, Path: name, Message: err.Error()}
	}
	return &f, nil
}

// Convert turns the file into a batch and a state in minor units.
func (f *File) Convert(name string, defaultScale int32) (*Loaded, error) {
	scale := defaultScale
	if f.Scale != nil {
		scale = *f.Scale
	}
	if scale < 0 || scale > 18 {
		return nil, &LoadError{Code: ErrCodeSchema, Path: name, Field: "scale", Message: fmt.Sprintf("scale %d out of range [0, 18]", scale)}
	}

	units := func(field string, a Amount) (int64, error) {
		v, err := a.Units(scale)
		if err != nil {
			return 0, &LoadError{Code: ErrCodeAmount, Path: name, Field: field, Message: err.Error()}
		}
		return v, nil
	}

	out := &Loaded{Batch: txn.Batch{Name: f.Name}, Scale: scale}

	if f.State != nil {
		out.State = make(map[string]int64, len(f.State))
		for r, a := range f.State {
			v, err := units("state."+r, a)
			if err != nil {
				return nil, err
			}
			out.State[r] = v
		}
	}

	for i, ts := range f.Transactions {
		field := fmt.Sprintf("transactions[%d]", i)
		t := &txn.Transaction{ID: ts.ID, DependsOn: ts.DependsOn}

		for j, spec := range ts.Ops {
			opField := fmt.Sprintf("%s.ops[%d]", field, j)
			op := txn.Operation{Kind: txn.OpKind(spec.Kind), Resource: spec.Resource, To: spec.To}
			if spec.Amount != nil {
				v, err := units(opField+".amount", *spec.Amount)
				if err != nil {
					return nil, err
				}
				op.Amount = v
			}
			if g := spec.Guard; g != nil {
				op.Guard = &txn.Guard{Resource: g.Resource}
				if g.Min != nil {
					v, err := units(opField+".guard.min", *g.Min)
					if err != nil {
						return nil, err
					}
					op.Guard.Min = &v
				}
				if g.Max != nil {
					v, err := units(opField+".guard.max", *g.Max)
					if err != nil {
						return nil, err
					}
					op.Guard.Max = &v
				}
			}
			t.Ops = append(t.Ops, op)
		}

		if ts.ReadSet == nil && ts.WriteSet == nil {
			t.ReadSet, t.WriteSet = txn.DeriveSets(t.Ops)
		} else {
			t.ReadSet, t.WriteSet = ts.ReadSet, ts.WriteSet
		}

		if ts.Deltas != nil {
			t.Deltas = make(map[string]int64, len(ts.Deltas))
			for r, a := range ts.Deltas {
				v, err := units(fmt.Sprintf("%s.deltas.%s", field, r), a)
				if err != nil {
					return nil, err
				}
				t.Deltas[r] = v
			}
		}
		if ts.Conversion != "" {
			t.Conversion = &txn.Conversion{Pair: ts.Conversion}
		}
		out.Batch.Transactions = append(out.Batch.Transactions, t)
	}
	return out, nil
}

// FormatUnits renders minor units at the loaded scale.
func (l *Loaded) FormatUnits(units int64) string {
	return fixedpoint.Format(units, l.Scale)
}
