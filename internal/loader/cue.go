package loader

import (
	_ "embed"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaCUE string

// decodeCUE compiles data, unifies it with #Batch and decodes the result.
func decodeCUE(data []byte, name string) (*File, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(ErrCodeSchema, name, err)
	}

	v := ctx.CompileBytes(data, cue.Filename(name))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(ErrCodeParse, name, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Batch")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(ErrCodeSchema, name, err)
	}

	var f File
	if err := unified.Decode(&f); err != nil {
		return nil, formatCUEError(ErrCodeSchema, name, err)
	}
	return &f, nil
}

// formatCUEError extracts position info from the first CUE error.
func formatCUEError(code, name string, err error) error {
	le := &LoadError{Code: code, Path: name, Message: err.Error()}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return le
	}
	first := errs[0]
	le.Message = first.Error()
	if positions := errors.Positions(first); len(positions) > 0 && positions[0].IsValid() {
		le.Line = positions[0].Line()
		le.Column = positions[0].Column()
	}
	return le
}
