// Package oracle validates external price quotes used by cross-asset
// conversions.
//
// A quote is accepted only if three independent checks pass:
//
//	ATTESTATION  the signature verifies under a trusted source key
//	STALENESS    the quote is not older than the staleness window
//	SLIPPAGE     the price is within tolerance of the reference price
//
// All failing checks are reported together.
package oracle

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/diotec-barros/diotec360-sub008/internal/canon"
	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
)

// Quote is a signed price for a pair such as "ETH/USD": one unit of the
// base asset costs Price units of the quote asset.
type Quote struct {
	Pair      string    `json:"pair"`
	Price     string    `json:"price"` // decimal string
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Signature []byte    `json:"signature"`
}

// Payload returns the bytes a source signs for q.
func (q Quote) Payload() ([]byte, error) {
	return canon.Payload(canon.DomainQuote, map[string]any{
		"pair":      q.Pair,
		"price":     q.Price,
		"timestamp": q.Timestamp.UnixNano(),
		"source":    q.Source,
	})
}

// Decimal parses Price.
func (q Quote) Decimal() (*apd.Decimal, error) {
	d, err := fixedpoint.ParseDecimal(q.Price)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", q.Pair, err)
	}
	return d, nil
}

// ErrNoReference is returned by a Feed that has a quote for a pair but no
// reference price to check it against.
var ErrNoReference = errors.New("no reference price")

// Feed supplies quotes and reference prices.
type Feed interface {
	Quote(ctx context.Context, pair string) (Quote, error)
	Reference(ctx context.Context, pair string) (*apd.Decimal, error)
}

// StaticFeed is an in-memory Feed. Safe for concurrent use.
type StaticFeed struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	refs   map[string]*apd.Decimal
}

// NewStaticFeed creates an empty feed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{
		quotes: make(map[string]Quote),
		refs:   make(map[string]*apd.Decimal),
	}
}

// SetQuote stores q for its pair.
func (f *StaticFeed) SetQuote(q Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[q.Pair] = q
}

// SetReference stores the reference price for pair.
func (f *StaticFeed) SetReference(pair, price string) error {
	d, err := fixedpoint.ParseDecimal(price)
	if err != nil {
		return fmt.Errorf("reference %s: %w", pair, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[pair] = d
	return nil
}

// Quote implements Feed.
func (f *StaticFeed) Quote(_ context.Context, pair string) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[pair]
	if !ok {
		return Quote{}, fmt.Errorf("no quote for %s", pair)
	}
	return q, nil
}

// Reference implements Feed.
func (f *StaticFeed) Reference(_ context.Context, pair string) (*apd.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.refs[pair]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoReference, pair)
	}
	return d, nil
}

// Signer produces attested quotes for one source.
type Signer struct {
	Source string
	key    ed25519.PrivateKey
}

// NewSigner derives the signing key from a 32-byte seed.
func NewSigner(source string, seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Signer{Source: source, key: ed25519.NewKeyFromSeed(seed)}, nil
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// PublicKeyHex returns the verification key hex encoded, the form used in
// configuration.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.PublicKey())
}

// Sign builds and signs a quote.
func (s *Signer) Sign(pair, price string, at time.Time) (Quote, error) {
	if _, err := fixedpoint.ParseDecimal(price); err != nil {
		return Quote{}, fmt.Errorf("sign %s: %w", pair, err)
	}
	q := Quote{Pair: pair, Price: price, Timestamp: at, Source: s.Source}
	payload, err := q.Payload()
	if err != nil {
		return Quote{}, err
	}
	q.Signature = ed25519.Sign(s.key, payload)
	return q, nil
}

// ParsePublicKey decodes a hex ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}
