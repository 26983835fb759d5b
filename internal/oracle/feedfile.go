package oracle

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FeedFile is the on-disk form of a StaticFeed:
//
//	quotes:
//	  - pair: ETH/USD
//	    price: "2000"
//	    timestamp: 2026-01-01T00:00:00Z
//	    source: feed-a
//	    signature: 9f1c...
//	references:
//	  ETH/USD: "1995.50"
//
// A pair without a reference price fails the slippage check.
type FeedFile struct {
	Quotes     []QuoteRecord     `yaml:"quotes"`
	References map[string]string `yaml:"references,omitempty"`
}

// QuoteRecord is a quote with its signature hex encoded.
type QuoteRecord struct {
	Pair      string `yaml:"pair"`
	Price     string `yaml:"price"`
	Timestamp string `yaml:"timestamp"` // RFC 3339
	Source    string `yaml:"source"`
	Signature string `yaml:"signature"`
}

// Record converts q for storage.
func Record(q Quote) QuoteRecord {
	return QuoteRecord{
		Pair:      q.Pair,
		Price:     q.Price,
		Timestamp: q.Timestamp.UTC().Format(time.RFC3339Nano),
		Source:    q.Source,
		Signature: hex.EncodeToString(q.Signature),
	}
}

// Quote decodes r.
func (r QuoteRecord) Quote() (Quote, error) {
	at, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return Quote{}, fmt.Errorf("quote %s timestamp: %w", r.Pair, err)
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return Quote{}, fmt.Errorf("quote %s signature: %w", r.Pair, err)
	}
	return Quote{Pair: r.Pair, Price: r.Price, Timestamp: at, Source: r.Source, Signature: sig}, nil
}

// ReadFeedFile decodes the feed file at path. A missing file yields an
// empty FeedFile when allowMissing is set.
func ReadFeedFile(path string, allowMissing bool) (*FeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if allowMissing && os.IsNotExist(err) {
			return &FeedFile{}, nil
		}
		return nil, fmt.Errorf("read feed file: %w", err)
	}
	var f FeedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse feed file %s: %w", path, err)
	}
	return &f, nil
}

// Write stores f at path, quotes sorted by pair.
func (f *FeedFile) Write(path string) error {
	slices.SortFunc(f.Quotes, func(a, b QuoteRecord) int {
		return strings.Compare(a.Pair, b.Pair)
	})
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode feed file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write feed file: %w", err)
	}
	return nil
}

// Put adds q, replacing any quote for the same pair.
func (f *FeedFile) Put(q Quote) {
	rec := Record(q)
	for i := range f.Quotes {
		if f.Quotes[i].Pair == q.Pair {
			f.Quotes[i] = rec
			return
		}
	}
	f.Quotes = append(f.Quotes, rec)
}

// Feed builds a StaticFeed from f.
func (f *FeedFile) Feed() (*StaticFeed, error) {
	feed := NewStaticFeed()
	for _, rec := range f.Quotes {
		q, err := rec.Quote()
		if err != nil {
			return nil, err
		}
		feed.SetQuote(q)
		ref, ok := f.References[q.Pair]
		if !ok {
			continue
		}
		if err := feed.SetReference(q.Pair, ref); err != nil {
			return nil, err
		}
	}
	return feed, nil
}

// LoadFeed reads a feed file and builds its StaticFeed.
func LoadFeed(path string) (*StaticFeed, error) {
	f, err := ReadFeedFile(path, false)
	if err != nil {
		return nil, err
	}
	return f.Feed()
}
