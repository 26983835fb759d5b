package oracle

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
)

const (
	// DefaultStalenessWindow is the maximum accepted quote age.
	DefaultStalenessWindow = 60 * time.Second

	// DefaultSlippageTolerance is the maximum relative deviation from the
	// reference price.
	DefaultSlippageTolerance = "0.05"
)

// Reason identifies one failed check.
type Reason string

const (
	ReasonAttestation Reason = "ATTESTATION"
	ReasonStaleness   Reason = "STALENESS"
	ReasonSlippage    Reason = "SLIPPAGE"
)

// ValidationError lists every check a quote failed.
type ValidationError struct {
	Pair    string
	Reasons []Reason
	Details []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	reasons := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		reasons[i] = string(r)
	}
	return fmt.Sprintf("oracle validation failed for %s [%s]: %s",
		e.Pair, strings.Join(reasons, ","), strings.Join(e.Details, "; "))
}

// Has reports whether r is among the failed checks.
func (e *ValidationError) Has(r Reason) bool {
	for _, x := range e.Reasons {
		if x == r {
			return true
		}
	}
	return false
}

// ErrUnavailable is returned when no quote or reference price can be
// obtained for a pair.
var ErrUnavailable = errors.New("oracle unavailable")

// IsValidationError returns true if err is an oracle validation failure.
// Uses errors.As to handle wrapped errors.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Checker validates quotes.
type Checker struct {
	trusted   map[string]ed25519.PublicKey
	staleness time.Duration
	slippage  *apd.Decimal
	now       func() time.Time
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithTrustedSource trusts key for quotes signed by source. A key that is
// not ed25519.PublicKeySize bytes fails every quote from source on
// ATTESTATION.
func WithTrustedSource(source string, key ed25519.PublicKey) CheckerOption {
	return func(c *Checker) {
		c.trusted[source] = key
	}
}

// WithStalenessWindow sets the maximum quote age.
func WithStalenessWindow(d time.Duration) CheckerOption {
	return func(c *Checker) {
		if d > 0 {
			c.staleness = d
		}
	}
}

// WithSlippageTolerance sets the maximum relative deviation.
func WithSlippageTolerance(d *apd.Decimal) CheckerOption {
	return func(c *Checker) {
		if d != nil {
			c.slippage = d
		}
	}
}

// WithNow sets the clock quotes are aged against.
func WithNow(now func() time.Time) CheckerOption {
	return func(c *Checker) {
		c.now = now
	}
}

// NewChecker creates a checker with default windows and no trusted
// sources.
func NewChecker(opts ...CheckerOption) *Checker {
	tol, _, err := apd.NewFromString(DefaultSlippageTolerance)
	if err != nil {
		panic(err)
	}
	c := &Checker{
		trusted:   make(map[string]ed25519.PublicKey),
		staleness: DefaultStalenessWindow,
		slippage:  tol,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StalenessWindow returns the configured window.
func (c *Checker) StalenessWindow() time.Duration { return c.staleness }

// Validate fetches the quote and reference for pair from feed and checks
// them. The quote is returned even when validation fails. A missing
// reference price fails the slippage check rather than the fetch.
func (c *Checker) Validate(ctx context.Context, feed Feed, pair string) (Quote, error) {
	q, err := feed.Quote(ctx, pair)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: fetch quote: %w", ErrUnavailable, err)
	}
	ref, err := feed.Reference(ctx, pair)
	switch {
	case errors.Is(err, ErrNoReference):
		ref = nil
	case err != nil:
		return q, fmt.Errorf("%w: fetch reference: %w", ErrUnavailable, err)
	}
	return q, c.Check(q, ref)
}

// Check runs all three checks on q and returns a *ValidationError listing
// every failure, or nil.
func (c *Checker) Check(q Quote, reference *apd.Decimal) error {
	ve := &ValidationError{Pair: q.Pair}
	fail := func(r Reason, format string, args ...any) {
		ve.Reasons = append(ve.Reasons, r)
		ve.Details = append(ve.Details, fmt.Sprintf(format, args...))
	}

	if err := c.verifySignature(q); err != nil {
		fail(ReasonAttestation, "%v", err)
	}

	if age := c.now().Sub(q.Timestamp); age > c.staleness {
		fail(ReasonStaleness, "quote is %s old, window is %s", age.Round(time.Millisecond), c.staleness)
	}

	price, err := q.Decimal()
	switch {
	case err != nil:
		fail(ReasonSlippage, "%v", err)
	case reference == nil:
		fail(ReasonSlippage, "no reference price")
	default:
		diff, err := fixedpoint.RelativeDiff(price, reference)
		if err != nil {
			fail(ReasonSlippage, "%v", err)
		} else if diff.Cmp(c.slippage) > 0 {
			fail(ReasonSlippage, "price %s deviates %s from reference %s (tolerance %s)",
				q.Price, diff.Text('f'), reference.Text('f'), c.slippage.Text('f'))
		}
	}

	if len(ve.Reasons) > 0 {
		return ve
	}
	return nil
}

func (c *Checker) verifySignature(q Quote) error {
	key, ok := c.trusted[q.Source]
	if !ok {
		return fmt.Errorf("untrusted source %q", q.Source)
	}
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("trusted key for %q is %d bytes, want %d", q.Source, len(key), ed25519.PublicKeySize)
	}
	payload, err := q.Payload()
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, payload, q.Signature) {
		return errors.New("signature does not verify")
	}
	return nil
}
