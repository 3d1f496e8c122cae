package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/kreutix/offerbook/pkg/funding"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/store"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var hundred = decimal.NewFromInt(100)

// errNotRunning is returned by commands that need the running node
var errNotRunning = errors.New("this command needs a running node: enter it at the console of offerd start")

// offerControl is the part of the engine the offer commands drive
type offerControl interface {
	PlaceOffer(ctx context.Context, p *offer.Payload, triggerPrice decimal.Decimal) (*offer.OpenOffer, error)
	ActivateOpenOffer(ctx context.Context, offerID string) error
	DeactivateOpenOffer(ctx context.Context, offerID string) error
	EditOpenOfferStart(ctx context.Context, offerID string) error
	EditOpenOfferPublish(ctx context.Context, p *offer.Payload, triggerPrice decimal.Decimal) error
	EditOpenOfferCancel(ctx context.Context, offerID string) error
	ReserveOpenOffer(ctx context.Context, offerID string) error
	CloseOpenOffer(ctx context.Context, offerID string) error
	RemoveOpenOffer(ctx context.Context, offerID string) error
	OpenOffers() []*offer.OpenOffer
	FindOpenOffer(offerID string) (*offer.OpenOffer, bool)
}

// maker is the running node as seen by the offer commands
type maker struct {
	ctl      offerControl
	store    *store.Store
	owner    types.NodeAddress
	keys     types.PubKeyRing
	fees     funding.FeeSchedule
	feeInBTC bool
}

// Set by start while the node runs
var live *maker

// offersCmd is the command line flavor of the offer commands. Without a
// running node only the stored offers can be listed and canceled.
var offersCmd = newOffersCmd()

func newOffersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offers",
		Short: "Place and manage offers",
		Long: `Place, edit, activate, deactivate, reserve and close offers of the
running node, or list and cancel stored offers while the node is stopped.

Commands that change offers run inside the node: type them at the console
of offerd start. Without a running node the database is opened directly,
which fails while the node holds it.`,
	}
	cmd.AddCommand(newOffersListCmd())
	cmd.AddCommand(newOffersClosedCmd())
	cmd.AddCommand(newOffersRemoveCmd())
	cmd.AddCommand(newOffersPlaceCmd())
	cmd.AddCommand(newOffersEditCmd())
	cmd.AddCommand(newOfferIDCmd("activate", "Publish a deactivated offer again",
		func(ctx context.Context, ctl offerControl, id string) error { return ctl.ActivateOpenOffer(ctx, id) }))
	cmd.AddCommand(newOfferIDCmd("deactivate", "Take an offer off the network but keep it open",
		func(ctx context.Context, ctl offerControl, id string) error { return ctl.DeactivateOpenOffer(ctx, id) }))
	cmd.AddCommand(newOfferIDCmd("reserve", "Reserve an offer for a trade being set up",
		func(ctx context.Context, ctl offerControl, id string) error { return ctl.ReserveOpenOffer(ctx, id) }))
	cmd.AddCommand(newOfferIDCmd("close", "Close an offer whose trade was started",
		func(ctx context.Context, ctl offerControl, id string) error { return ctl.CloseOpenOffer(ctx, id) }))
	return cmd
}

func newOffersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List open offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if live != nil {
				rows := make([]offerRow, 0)
				for _, oo := range live.ctl.OpenOffers() {
					rows = append(rows, offerRow{oo.Offer().Payload(), oo.State()})
				}
				printOffers(cmd, rows)
				return nil
			}
			return withStore(func(ctx context.Context, st *store.Store) error {
				recs, err := st.LoadOpenOffers(ctx)
				if err != nil {
					return err
				}
				rows := make([]offerRow, 0, len(recs))
				for _, rec := range recs {
					rows = append(rows, offerRow{rec.Payload, rec.State})
				}
				printOffers(cmd, rows)
				return nil
			})
		},
	}
}

type offerRow struct {
	payload *offer.Payload
	state   types.OpenOfferState
}

func printOffers(cmd *cobra.Command, rows []offerRow) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Open offers (%d):\n", len(rows))
	if len(rows) == 0 {
		return
	}

	fmt.Fprintln(out, "------------------------------------------------------------------------------------")
	fmt.Fprintf(out, "%-36s %-4s %-12s %-8s %-12s %-11s\n",
		"ID", "DIR", "AMOUNT", "CURRENCY", "PRICE", "STATE")
	fmt.Fprintln(out, "------------------------------------------------------------------------------------")
	for _, row := range rows {
		p := row.payload
		price := p.FixedPrice.String()
		if p.UsesMarketPrice() {
			price = "mkt" + p.MarketPriceMargin.Mul(hundred).StringFixed(2) + "%"
		}
		fmt.Fprintf(out, "%-36s %-4s %-12s %-8s %-12s %-11s\n",
			p.ID, p.Direction, p.Amount, p.CounterCurrency, price, row.state)
	}
	fmt.Fprintln(out, "------------------------------------------------------------------------------------")
}

func newOffersClosedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "closed",
		Short: "List closed and canceled offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			list := func(ctx context.Context, st *store.Store) error {
				recs, err := st.LoadClosedOffers(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Closed offers (%d):\n", len(recs))
				for _, rec := range recs {
					fmt.Fprintf(out, "%-36s %-9s %s\n",
						rec.Payload.ID, rec.State, rec.ClosedAt.Format(time.RFC3339))
				}
				return nil
			}
			if live != nil {
				return list(cmd.Context(), live.store)
			}
			return withStore(list)
		},
	}
}

func newOffersRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [offer-id]",
		Short: "Cancel an open offer",
		Long: `Cancel an open offer: it is moved to the closed offers as CANCELED.
On a running node it is also taken off the network; otherwise peers drop it
once its directory entry expires.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			offerID := args[0]
			if live != nil {
				if err := live.ctl.RemoveOpenOffer(cmd.Context(), offerID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Offer %s removed successfully\n", offerID)
				return nil
			}
			return withStore(func(ctx context.Context, st *store.Store) error {
				err := st.CancelOffer(ctx, offerID, time.Now())
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("no open offer with ID %s", offerID)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Offer %s removed successfully\n", offerID)
				return nil
			})
		},
	}
}

// newOfferIDCmd builds a command running op on the offer named by its
// only argument
func newOfferIDCmd(use, short string, op func(ctx context.Context, ctl offerControl, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [offer-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if live == nil {
				return errNotRunning
			}
			if err := op(cmd.Context(), live.ctl, args[0]); err != nil {
				return err
			}
			oo, ok := live.ctl.FindOpenOffer(args[0])
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Offer %s: %s done\n", args[0], use)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Offer %s is %s\n", args[0], oo.State())
			return nil
		},
	}
}

// termFlags are the offer terms given on the command line
type termFlags struct {
	direction string
	amount    string
	minAmount string
	price     string
	margin    string
	currency  string
	method    string
	trigger   string
	deposit   string
	account   string
}

func newOffersPlaceCmd() *cobra.Command {
	var f termFlags
	cmd := &cobra.Command{
		Use:   "place",
		Short: "Place a new offer",
		Long: `Place a new offer. The maker fee is paid from the wallet and the
offer is published to the network. Amounts are in BTC, --margin is a
percentage above (or below, if negative) the market price and --deposit is
the security deposit as a fraction of the amount.`,
		Example: `  offers place --direction sell --amount 0.5 --min-amount 0.1 --price 65000 --currency USD --method SEPA
  offers place --direction buy --amount 1 --min-amount 0.25 --margin -1.5 --currency EUR --method SEPA --trigger 58000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if live == nil {
				return errNotRunning
			}
			p, trigger, err := live.newPayload(f, time.Now())
			if err != nil {
				return err
			}
			oo, err := live.ctl.PlaceOffer(cmd.Context(), p, trigger)
			if err != nil {
				return fmt.Errorf("error placing offer: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Offer placed successfully with ID: %s\n", oo.ID())
			fmt.Fprintf(out, "Direction: %s\n", p.Direction)
			fmt.Fprintf(out, "Amount: %s (min %s)\n", p.Amount, p.MinAmount)
			if p.UsesMarketPrice() {
				fmt.Fprintf(out, "Price: market %s%%\n", p.MarketPriceMargin.Mul(hundred).StringFixed(2))
			} else {
				fmt.Fprintf(out, "Price: %s %s\n", p.FixedPrice, p.CounterCurrency)
			}
			fmt.Fprintf(out, "Maker fee: %s\n", p.Standard.MakerFee)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.direction, "direction", "", "buy or sell")
	flags.StringVar(&f.amount, "amount", "", "amount in BTC")
	flags.StringVar(&f.minAmount, "min-amount", "", "minimum amount in BTC (defaults to --amount)")
	flags.StringVar(&f.price, "price", "", "fixed price")
	flags.StringVar(&f.margin, "margin", "", "market price margin in percent")
	flags.StringVar(&f.currency, "currency", "", "counter currency code")
	flags.StringVar(&f.method, "method", "", "payment method ID")
	flags.StringVar(&f.trigger, "trigger", "", "market price at which the offer is deactivated")
	flags.StringVar(&f.deposit, "deposit", "0.15", "security deposit as a fraction of the amount")
	flags.StringVar(&f.account, "account", "", "payment account ID")
	cmd.MarkFlagRequired("direction")
	cmd.MarkFlagRequired("amount")
	cmd.MarkFlagRequired("currency")
	cmd.MarkFlagRequired("method")
	cmd.MarkFlagsMutuallyExclusive("price", "margin")
	return cmd
}

func newOffersEditCmd() *cobra.Command {
	var f termFlags
	cmd := &cobra.Command{
		Use:   "edit [offer-id]",
		Short: "Change the price, trigger or payment method of an offer",
		Long: `Edit an open offer. The offer is taken off the network while it is
edited and published again with the new terms unless it was deactivated.
Flags that are not given keep their current value.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if live == nil {
				return errNotRunning
			}
			ctx := cmd.Context()
			offerID := args[0]
			oo, ok := live.ctl.FindOpenOffer(offerID)
			if !ok {
				return fmt.Errorf("no open offer with ID %s", offerID)
			}

			p := oo.Offer().Payload().Clone()
			trigger := oo.TriggerPrice()
			if err := applyEdits(cmd, f, p, &trigger); err != nil {
				return err
			}
			if err := p.Validate(); err != nil {
				return err
			}

			if err := live.ctl.EditOpenOfferStart(ctx, offerID); err != nil {
				return err
			}
			if err := live.ctl.EditOpenOfferPublish(ctx, p, trigger); err != nil {
				if cerr := live.ctl.EditOpenOfferCancel(ctx, offerID); cerr != nil {
					return fmt.Errorf("%w (cancel failed: %v)", err, cerr)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Offer %s updated\n", offerID)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.price, "price", "", "new fixed price")
	flags.StringVar(&f.margin, "margin", "", "new market price margin in percent")
	flags.StringVar(&f.minAmount, "min-amount", "", "new minimum amount in BTC")
	flags.StringVar(&f.method, "method", "", "new payment method ID")
	flags.StringVar(&f.trigger, "trigger", "", "new trigger price, 0 to clear")
	cmd.MarkFlagsMutuallyExclusive("price", "margin")
	return cmd
}

// applyEdits changes p and trigger for every flag given to cmd
func applyEdits(cmd *cobra.Command, f termFlags, p *offer.Payload, trigger *decimal.Decimal) error {
	changed := cmd.Flags().Changed
	if changed("price") {
		price, err := parsePrice(f.price)
		if err != nil {
			return err
		}
		p.FixedPrice, p.MarketPriceMargin = price, decimal.Zero
	}
	if changed("margin") {
		margin, err := parseMargin(f.margin)
		if err != nil {
			return err
		}
		p.FixedPrice, p.MarketPriceMargin = decimal.Zero, margin
	}
	if changed("min-amount") {
		amount, err := parseBTC(f.minAmount)
		if err != nil {
			return fmt.Errorf("invalid min amount: %w", err)
		}
		p.MinAmount = amount
	}
	if changed("method") {
		p.PaymentMethodID = f.method
	}
	if changed("trigger") {
		t, err := decimal.NewFromString(f.trigger)
		if err != nil || t.IsNegative() {
			return fmt.Errorf("invalid trigger price %q", f.trigger)
		}
		*trigger = t
	}
	return nil
}

// newPayload builds a standard offer from the command line terms
func (m *maker) newPayload(f termFlags, now time.Time) (*offer.Payload, decimal.Decimal, error) {
	direction := types.Direction(strings.ToUpper(f.direction))
	if !direction.Valid() {
		return nil, decimal.Zero, fmt.Errorf("invalid direction %q, expected buy or sell", f.direction)
	}
	amount, err := parseBTC(f.amount)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("invalid amount: %w", err)
	}
	minAmount := amount
	if f.minAmount != "" {
		if minAmount, err = parseBTC(f.minAmount); err != nil {
			return nil, decimal.Zero, fmt.Errorf("invalid min amount: %w", err)
		}
	}

	p := &offer.Payload{
		ID:              offer.NewID(),
		Date:            now.UTC(),
		OwnerAddress:    m.owner,
		PubKeyRing:      m.keys,
		Direction:       direction,
		BaseCurrency:    "BTC",
		CounterCurrency: strings.ToUpper(f.currency),
		Amount:          amount,
		MinAmount:       minAmount,
		PaymentMethodID: f.method,
		ProtocolVersion: types.ProtocolVersion,
		Kind:            offer.KindStandard,
	}
	switch {
	case f.price != "":
		if p.FixedPrice, err = parsePrice(f.price); err != nil {
			return nil, decimal.Zero, err
		}
	case f.margin != "":
		if p.MarketPriceMargin, err = parseMargin(f.margin); err != nil {
			return nil, decimal.Zero, err
		}
	}

	ratio, err := decimal.NewFromString(f.deposit)
	if err != nil || ratio.IsNegative() || ratio.GreaterThan(decimal.NewFromInt(1)) {
		return nil, decimal.Zero, fmt.Errorf("invalid deposit %q, expected a fraction between 0 and 1", f.deposit)
	}
	deposit := btcutil.Amount(decimal.NewFromInt(int64(amount)).Mul(ratio).Ceil().IntPart())
	p.Standard = &offer.StandardTerms{
		MakerFee:              m.fees.TradeFee(amount, types.RoleMaker),
		FeeInBTC:              m.feeInBTC,
		BuyerSecurityDeposit:  deposit,
		SellerSecurityDeposit: deposit,
		MakerPaymentAccountID: f.account,
	}

	trigger := decimal.Zero
	if f.trigger != "" {
		trigger, err = decimal.NewFromString(f.trigger)
		if err != nil || !trigger.IsPositive() {
			return nil, decimal.Zero, fmt.Errorf("invalid trigger price %q", f.trigger)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, decimal.Zero, err
	}
	return p, trigger, nil
}

// parseBTC parses a positive BTC amount with at most 8 decimals
func parseBTC(s string) (btcutil.Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	sats := d.Shift(8)
	if !sats.IsInteger() {
		return 0, fmt.Errorf("%s has more than 8 decimals", s)
	}
	if !sats.IsPositive() {
		return 0, fmt.Errorf("%s must be positive", s)
	}
	return btcutil.Amount(sats.IntPart()), nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(s)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid price %q", s)
	}
	return price, nil
}

// parseMargin turns a percentage into the margin fraction
func parseMargin(s string) (decimal.Decimal, error) {
	pct, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid margin %q", s)
	}
	return pct.Div(hundred), nil
}

func withStore(fn func(ctx context.Context, st *store.Store) error) error {
	st, closeDB, err := store.Open(cfg.Store.DataDir, logger)
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(context.Background(), st)
}
