// Package conservation checks that a batch neither creates nor destroys
// value.
//
// Resources belong to asset classes (txn.Asset). A transaction that
// declares deltas is metered: its actual effect on every resource must
// equal its declaration. Across the batch, declared deltas must net to
// exactly zero per asset class. Assets linked by a conversion pair are
// netted together in the pair's quote asset at the oracle price, within a
// tolerance of minor units.
//
// Transactions with no Deltas at all are unmetered and take no part in the
// check.
package conservation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/cockroachdb/apd/v3"

	"github.com/diotec-barros/diotec360-sub008/internal/executor"
	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
	"github.com/diotec-barros/diotec360-sub008/internal/oracle"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

// DefaultConversionTolerance is the accepted absolute imbalance, in minor
// units of the quote asset, after converting at the oracle price.
const DefaultConversionTolerance int64 = 1

// Code categorizes conservation violations.
type Code string

const (
	// CodeDeltaMismatch: a transaction's actual effect differs from its
	// declared delta.
	CodeDeltaMismatch Code = "DELTA_MISMATCH"

	// CodeNonZeroNet: declared deltas of an asset class do not sum to zero.
	CodeNonZeroNet Code = "NON_ZERO_NET"

	// CodeConversionImbalance: converted net exceeds the tolerance.
	CodeConversionImbalance Code = "CONVERSION_IMBALANCE"

	// CodeOverflow: netting the declared deltas of an asset class leaves
	// the int64 range, so the sum cannot be proven zero.
	CodeOverflow Code = "NET_OVERFLOW"
)

// Violation describes why a batch does not conserve value.
type Violation struct {
	Code     Code
	Asset    string
	Resource string   // DELTA_MISMATCH only
	Amount   int64    // net amount (NON_ZERO_NET, CONVERSION_IMBALANCE) or actual minus declared (DELTA_MISMATCH)
	TxnIDs   []string // sorted
	Message  string
}

// Error implements the error interface.
func (v *Violation) Error() string {
	return fmt.Sprintf("conservation violation %s: %s", v.Code, v.Message)
}

// IsViolation returns true if err is a conservation violation.
// Uses errors.As to handle wrapped errors.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// ConversionCheck records how one conversion component was netted.
type ConversionCheck struct {
	Numeraire string            `json:"numeraire"`
	Prices    map[string]string `json:"prices"` // asset → price in numeraire
	Net       string            `json:"net"`    // minor units of numeraire, exact
}

// Result is the outcome of ValidateBatch.
type Result struct {
	Valid       bool              `json:"valid"`
	NetByAsset  map[string]int64  `json:"net_by_asset"`
	Conversions []ConversionCheck `json:"conversions,omitempty"`
	Quotes      []oracle.Quote    `json:"quotes,omitempty"`
	Violation   *Violation        `json:"violation,omitempty"`
}

// Validator checks conservation for executed batches.
type Validator struct {
	checker   *oracle.Checker
	feed      oracle.Feed
	tolerance int64
	logger    *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithOracle sets the quote source and checker used for conversions.
// Without it, any batch containing a conversion fails.
func WithOracle(feed oracle.Feed, checker *oracle.Checker) Option {
	return func(v *Validator) {
		v.feed = feed
		v.checker = checker
	}
}

// WithConversionTolerance sets the accepted imbalance in minor units.
func WithConversionTolerance(units int64) Option {
	return func(v *Validator) {
		if units >= 0 {
			v.tolerance = units
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = l
	}
}

// New creates a validator.
func New(opts ...Option) *Validator {
	v := &Validator{
		tolerance: DefaultConversionTolerance,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateBatch checks txns against the execution result. On failure it
// returns the result together with a *Violation, or an error wrapping
// *oracle.ValidationError when a quote is rejected.
func (v *Validator) ValidateBatch(ctx context.Context, txns []*txn.Transaction, res *executor.Result) (*Result, error) {
	out := &Result{NetByAsset: make(map[string]int64)}
	fail := func(viol *Violation) (*Result, error) {
		out.Violation = viol
		v.logger.Info("conservation violation", "code", viol.Code, "asset", viol.Asset, "amount", viol.Amount, "txns", viol.TxnIDs)
		return out, viol
	}

	sorted := slices.Clone(txns)
	slices.SortFunc(sorted, func(a, b *txn.Transaction) int {
		return cmp.Compare(a.ID, b.ID)
	})

	// 1. Declared deltas must match what actually happened.
	for _, t := range sorted {
		if t.Deltas == nil {
			continue
		}
		o := res.Outcomes[t.ID]
		if o == nil {
			return nil, fmt.Errorf("no execution outcome for %s", t.ID)
		}
		for _, r := range slices.Sorted(maps.Keys(unionKeys(t.Deltas, o.Effects))) {
			declared, actual := t.Deltas[r], o.Effects[r]
			if declared != actual {
				// An unrepresentable difference is reported as zero; the
				// message carries both values.
				diff, _ := fixedpoint.Sub(actual, declared)
				return fail(&Violation{
					Code:     CodeDeltaMismatch,
					Asset:    txn.Asset(r),
					Resource: r,
					Amount:   diff,
					TxnIDs:   []string{t.ID},
					Message:  fmt.Sprintf("%s declared %d on %s but changed it by %d", t.ID, declared, r, actual),
				})
			}
		}
	}

	// 2. Net per asset class.
	contributors := make(map[string][]string)
	for _, t := range sorted {
		overflow := func(asset string, err error) (*Result, error) {
			return fail(&Violation{
				Code:    CodeOverflow,
				Asset:   asset,
				TxnIDs:  append(slices.Clone(contributors[asset]), t.ID),
				Message: fmt.Sprintf("asset %s: %v", asset, err),
			})
		}
		perAsset := make(map[string]int64)
		for _, r := range slices.Sorted(maps.Keys(t.Deltas)) {
			asset := txn.Asset(r)
			sum, err := fixedpoint.Add(perAsset[asset], t.Deltas[r])
			if err != nil {
				return overflow(asset, err)
			}
			perAsset[asset] = sum
		}
		for _, asset := range slices.Sorted(maps.Keys(perAsset)) {
			sum, err := fixedpoint.Add(out.NetByAsset[asset], perAsset[asset])
			if err != nil {
				return overflow(asset, err)
			}
			out.NetByAsset[asset] = sum
			if perAsset[asset] != 0 {
				contributors[asset] = append(contributors[asset], t.ID)
			}
		}
	}

	pairs := conversionPairs(sorted)
	linked := make(map[string]bool)
	for _, p := range pairs {
		linked[p.Base()] = true
		linked[p.Quote()] = true
	}

	for _, asset := range slices.Sorted(maps.Keys(out.NetByAsset)) {
		if linked[asset] {
			continue
		}
		if net := out.NetByAsset[asset]; net != 0 {
			return fail(&Violation{
				Code:    CodeNonZeroNet,
				Asset:   asset,
				Amount:  net,
				TxnIDs:  contributors[asset],
				Message: fmt.Sprintf("asset %s nets to %d", asset, net),
			})
		}
	}

	if len(pairs) == 0 {
		out.Valid = true
		return out, nil
	}

	// 3. Oracle-priced conversions.
	if v.checker == nil || v.feed == nil {
		return out, fmt.Errorf("%w: batch contains conversions but no oracle is configured", oracle.ErrUnavailable)
	}
	prices := make(map[string]*apd.Decimal, len(pairs))
	for _, p := range pairs {
		q, err := v.checker.Validate(ctx, v.feed, p.Pair)
		if err != nil {
			return out, fmt.Errorf("conversion %s: %w", p.Pair, err)
		}
		price, err := q.Decimal()
		if err != nil {
			return out, err
		}
		out.Quotes = append(out.Quotes, q)
		prices[p.Pair] = price
	}

	checks, err := netConversions(pairs, prices, out.NetByAsset)
	if err != nil {
		return out, err
	}
	tol := apd.New(v.tolerance, 0)
	for _, c := range checks {
		out.Conversions = append(out.Conversions, c.ConversionCheck)
		var abs apd.Decimal
		abs.Abs(c.net)
		if abs.Cmp(tol) > 0 {
			rounded, _, _ := fixedpoint.MulRound(1, c.net)
			var ids []string
			for _, a := range c.assets {
				ids = append(ids, contributors[a]...)
			}
			slices.Sort(ids)
			return fail(&Violation{
				Code:    CodeConversionImbalance,
				Asset:   c.Numeraire,
				Amount:  rounded,
				TxnIDs:  slices.Compact(ids),
				Message: fmt.Sprintf("converted net in %s is %s (tolerance %d)", c.Numeraire, c.Net, v.tolerance),
			})
		}
	}

	out.Valid = true
	return out, nil
}

func conversionPairs(txns []*txn.Transaction) []txn.Conversion {
	seen := make(map[string]bool)
	var out []txn.Conversion
	for _, t := range txns {
		if t.Conversion != nil && !seen[t.Conversion.Pair] {
			seen[t.Conversion.Pair] = true
			out = append(out, *t.Conversion)
		}
	}
	slices.SortFunc(out, func(a, b txn.Conversion) int {
		return cmp.Compare(a.Pair, b.Pair)
	})
	return out
}

type component struct {
	ConversionCheck
	assets []string
	net    *apd.Decimal
}

// netConversions values every linked asset in a numeraire and sums the
// declared nets per connected group of assets. The numeraire of a group is
// the quote asset of its first pair by name.
func netConversions(pairs []txn.Conversion, prices map[string]*apd.Decimal, net map[string]int64) ([]component, error) {
	ctx := fixedpoint.Context()

	type link struct {
		other string
		pair  string
		base  bool // true if the asset is the pair's base
	}
	links := make(map[string][]link)
	for _, p := range pairs {
		if prices[p.Pair].IsZero() {
			return nil, fmt.Errorf("zero price for %s", p.Pair)
		}
		links[p.Base()] = append(links[p.Base()], link{other: p.Quote(), pair: p.Pair, base: true})
		links[p.Quote()] = append(links[p.Quote()], link{other: p.Base(), pair: p.Pair, base: false})
	}

	value := make(map[string]*apd.Decimal)
	var out []component
	for _, p := range pairs {
		root := p.Quote()
		if _, done := value[root]; done {
			continue
		}

		c := component{
			ConversionCheck: ConversionCheck{Numeraire: root, Prices: map[string]string{}},
			net:             apd.New(0, 0),
		}
		value[root] = apd.New(1, 0)
		queue := []string{root}
		for len(queue) > 0 {
			asset := queue[0]
			queue = queue[1:]
			c.assets = append(c.assets, asset)

			for _, l := range links[asset] {
				if _, done := value[l.other]; done {
					continue
				}
				var d apd.Decimal
				var err error
				if l.base {
					// asset is base: 1 asset = price other, so other = asset / price.
					_, err = ctx.Quo(&d, value[asset], prices[l.pair])
				} else {
					// asset is quote: 1 other = price asset.
					_, err = ctx.Mul(&d, value[asset], prices[l.pair])
				}
				if err != nil {
					return nil, fmt.Errorf("value %s via %s: %w", l.other, l.pair, err)
				}
				value[l.other] = &d
				queue = append(queue, l.other)
			}
		}

		slices.Sort(c.assets)
		for _, asset := range c.assets {
			var term apd.Decimal
			if _, err := ctx.Mul(&term, apd.New(net[asset], 0), value[asset]); err != nil {
				return nil, err
			}
			if _, err := ctx.Add(c.net, c.net, &term); err != nil {
				return nil, err
			}
			var price apd.Decimal
			price.Reduce(value[asset])
			c.Prices[asset] = price.Text('f')
		}
		var reduced apd.Decimal
		reduced.Reduce(c.net)
		c.Net = reduced.Text('f')
		out = append(out, c)
	}
	return out, nil
}

func unionKeys(a, b map[string]int64) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
