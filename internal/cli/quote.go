package cli

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
	"github.com/diotec-barros/diotec360-sub008/internal/oracle"
)

// QuoteOptions holds flags shared by the quote subcommands.
type QuoteOptions struct {
	*RootOptions
	Source string
	Seed   string // hex encoded 32-byte ed25519 seed
}

// QuoteSignOptions holds flags for quote sign.
type QuoteSignOptions struct {
	*QuoteOptions
	Feed      string
	Pair      string
	Price     string
	Reference string
	At        string // RFC 3339; defaults to now

	// Now allows overriding the signing time (for testing).
	Now func() time.Time
}

// NewQuoteCommand creates the quote command and its subcommands.
func NewQuoteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QuoteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Manage signed oracle quotes",
		Long: `Create ed25519 signed price quotes for conversion transactions.

A source is identified by name and a 32-byte seed. "quote key" prints the
public key to list under trusted-sources; "quote sign" adds a signed quote
to a feed file that "process --quotes" reads.`,
	}

	cmd.PersistentFlags().StringVar(&opts.Source, "source", "", "oracle source name (required)")
	cmd.PersistentFlags().StringVar(&opts.Seed, "seed", "", "hex encoded 32-byte ed25519 seed (required)")
	_ = cmd.MarkPersistentFlagRequired("source")
	_ = cmd.MarkPersistentFlagRequired("seed")

	cmd.AddCommand(newQuoteKeyCommand(opts))
	cmd.AddCommand(newQuoteSignCommand(opts))
	return cmd
}

func newQuoteKeyCommand(opts *QuoteOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "key",
		Short: "Print the public key of a source",
		Long: `Print the hex encoded public key of a source, as a trusted-sources entry.

Example:
  synchrony quote key --source feed-a --seed $SEED`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := opts.signer()
			if err != nil {
				return err
			}
			out := newFormatter(cmd, opts.RootOptions)
			if out.JSON() {
				return out.Success(map[string]string{
					"source":     signer.Source,
					"public_key": signer.PublicKeyHex(),
				})
			}
			fmt.Fprintf(out.Writer, "%s=%s\n", signer.Source, signer.PublicKeyHex())
			return nil
		},
	}
}

func newQuoteSignCommand(parent *QuoteOptions) *cobra.Command {
	opts := &QuoteSignOptions{QuoteOptions: parent, Now: time.Now}

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a quote and add it to a feed file",
		Long: `Sign a price quote for a currency pair and store it in a feed file,
replacing any earlier quote for the same pair. The file is created if it
does not exist.

Examples:
  synchrony quote sign --source feed-a --seed $SEED --feed feed.yaml --pair ETH/USD --price 2000
  synchrony quote sign --source feed-a --seed $SEED --feed feed.yaml --pair ETH/USD --price 2000 --reference 1995.50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuoteSign(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Feed, "feed", "", "feed file to update (required)")
	cmd.Flags().StringVar(&opts.Pair, "pair", "", "currency pair, e.g. ETH/USD (required)")
	cmd.Flags().StringVar(&opts.Price, "price", "", "decimal price (required)")
	cmd.Flags().StringVar(&opts.Reference, "reference", "", "reference price for the slippage check (required for the quote to validate)")
	cmd.Flags().StringVar(&opts.At, "at", "", "quote timestamp in RFC 3339 (defaults to now)")
	_ = cmd.MarkFlagRequired("feed")
	_ = cmd.MarkFlagRequired("pair")
	_ = cmd.MarkFlagRequired("price")

	return cmd
}

func runQuoteSign(opts *QuoteSignOptions, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	signer, err := opts.signer()
	if err != nil {
		return err
	}
	if _, err := fixedpoint.ParseDecimal(opts.Price); err != nil {
		return WrapExitError(ExitCommandError, "invalid price", err)
	}
	if opts.Reference != "" {
		if _, err := fixedpoint.ParseDecimal(opts.Reference); err != nil {
			return WrapExitError(ExitCommandError, "invalid reference price", err)
		}
	}

	at := opts.Now().UTC()
	if opts.At != "" {
		at, err = time.Parse(time.RFC3339Nano, opts.At)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --at timestamp", err)
		}
	}

	q, err := signer.Sign(opts.Pair, opts.Price, at)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to sign quote", err)
	}

	feed, err := oracle.ReadFeedFile(opts.Feed, true)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read feed file", err)
	}
	feed.Put(q)
	if opts.Reference != "" {
		if feed.References == nil {
			feed.References = make(map[string]string)
		}
		feed.References[opts.Pair] = opts.Reference
	}
	if err := feed.Write(opts.Feed); err != nil {
		return WrapExitError(ExitCommandError, "failed to write feed file", err)
	}

	rec := oracle.Record(q)
	if out.JSON() {
		return out.Success(rec)
	}
	fmt.Fprintf(out.Writer, "Signed %s = %s by %s at %s\n", rec.Pair, rec.Price, rec.Source, rec.Timestamp)
	return nil
}

func (o *QuoteOptions) signer() (*oracle.Signer, error) {
	seed, err := hex.DecodeString(o.Seed)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid seed", err)
	}
	signer, err := oracle.NewSigner(o.Source, seed)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid seed", err)
	}
	return signer, nil
}
