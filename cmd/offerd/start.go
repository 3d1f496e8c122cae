package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kreutix/offerbook/pkg/availability"
	"github.com/kreutix/offerbook/pkg/config"
	"github.com/kreutix/offerbook/pkg/engine"
	"github.com/kreutix/offerbook/pkg/filter"
	"github.com/kreutix/offerbook/pkg/funding"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/offerbook"
	"github.com/kreutix/offerbook/pkg/p2p"
	"github.com/kreutix/offerbook/pkg/pricefeed"
	"github.com/kreutix/offerbook/pkg/reputation"
	"github.com/kreutix/offerbook/pkg/store"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/visvasity/topic"
	"go.uber.org/zap"
)

const (
	// How often prices given with --price are rebroadcast
	pricePublishInterval = time.Minute

	statusInterval = 5 * time.Minute
)

var publishPrices []string

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the node",
	Long: `Start the node, join the offer network and keep the stored open
offers published until interrupted. On interrupt the offers are removed from
the network before the node exits.

While the node runs it reads offer commands from standard input, for
example "offers place ...", "offers deactivate <id>" or "offers list".`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringSliceVar(&publishPrices, "price", nil, "publish a market price, e.g. USD=65000 (repeatable)")
}

func runStart(cmd *cobra.Command, args []string) error {
	ticks, err := parsePriceFlags(publishPrices)
	if err != nil {
		return err
	}
	params, err := cfg.ChainParams()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	st, closeDB, err := store.Open(cfg.Store.DataDir, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	keys, err := st.KeyRing(ctx)
	if err != nil {
		return err
	}

	priv, err := p2p.LoadIdentity(cfg.KeyFilePath())
	if err != nil {
		return err
	}
	listen, err := config.ParseAddrs(cfg.Node.ListenAddrs)
	if err != nil {
		return err
	}
	bootstrap, err := config.ParseAddrs(cfg.Node.BootstrapPeers)
	if err != nil {
		return err
	}

	node, err := p2p.NewNode(ctx, p2p.Config{
		ListenAddrs:    listen,
		BootstrapPeers: bootstrap,
		PrivateKey:     priv,
	}, logger)
	if err != nil {
		return err
	}
	connectivity, err := node.ConnectivityUpdates()
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()

	clk := clock.New()

	feed := pricefeed.New(cfg.PriceFeed.MaxAge, clk, logger)
	feed.Attach(node)

	dir := offerbook.New(cfg.Directory, node, keys, clk, logger)
	dir.Start(ctx)

	wallet := funding.NewMemWallet(params)
	wallet.SetBalance(cfg.Wallet.Balance)
	wallet.SetFeeBalance(cfg.Wallet.FeeBalance)
	wallet.SetFeeRate(cfg.Wallet.FeeRate)
	checker := funding.NewChecker(wallet, wallet, cfg.FeeSchedule(), params, logger)

	rep := reputation.NewService(cfg.Reputation, clk, logger)
	for _, acc := range cfg.ReputationAccounts(clk.Now()) {
		rep.AddAccount(acc)
	}
	ignored := filter.NewIgnoreList(cfg.Node.IgnoredNodes...)
	offerFilter := filter.New(filter.Config{
		Preferences: ignored,
		Accounts:    rep,
		BanList:     filter.NewBanSet(cfg.Bans),
		TradeLimits: rep,
	}, logger)
	rep.OnAccountsChanged(offerFilter.ResetMyTradeLimitCache)

	arbitrators := availability.NewStaticDirectory()
	for _, a := range cfg.Node.Arbitrators {
		arbitrators.Add(types.NodeAddress(a.Address), a.Languages...)
	}

	eng, err := engine.New(cfg.Engine, engine.Deps{
		Directory:   dir,
		Messenger:   node,
		Store:       st,
		Checker:     checker,
		Wallet:      wallet,
		FeePayer:    wallet,
		PriceFeed:   feed,
		IgnoreList:  ignored,
		Arbitrators: arbitrators,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	prices, err := feed.Subscribe()
	if err != nil {
		return err
	}
	balances, err := wallet.BalanceUpdates()
	if err != nil {
		return err
	}
	feeRates, err := wallet.FeeRateUpdates()
	if err != nil {
		return err
	}
	go eng.Follow(ctx, engine.Feeds{
		Prices:       prices,
		Balances:     balances,
		FeeRates:     feeRates,
		Connectivity: connectivity,
	})
	go logEngineEvents(ctx, eng)
	go watchDirectory(ctx, dir, feed, offerFilter)
	if len(ticks) > 0 {
		go publishLoop(ctx, node, feed, clk, ticks)
	}
	go statusLoop(ctx, clk, dir, eng, feed)

	live = &maker{
		ctl:      eng,
		store:    st,
		owner:    node.Address(),
		keys:     keys.Public,
		fees:     cfg.FeeSchedule(),
		feeInBTC: cfg.Fees.InBTC,
	}
	go runConsole(ctx, os.Stdin, os.Stdout)

	logger.Info("Node started",
		zap.String("nodeID", node.Address().String()),
		zap.Strings("listenAddrs", cfg.Node.ListenAddrs),
		zap.Int("bootstrapPeers", len(bootstrap)),
		zap.Int("openOffers", len(eng.OpenOffers())))

	fmt.Printf("Node ID: %s\n", node.Address())
	fmt.Printf("Listening on: %v\n", node.GetMultiaddrs())
	fmt.Printf("Data dir: %s\n", cfg.Store.DataDir)

	<-sigChan
	fmt.Println("\nShutting down...")

	done := make(chan struct{})
	eng.Shutdown(func() { close(done) })
	<-done
	fmt.Println("Node stopped")
	return nil
}

// parsePriceFlags turns CODE=PRICE pairs into price ticks
func parsePriceFlags(flags []string) ([]types.PriceData, error) {
	var ticks []types.PriceData
	for _, f := range flags {
		code, value, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("invalid price %q, expected CODE=PRICE", f)
		}
		price, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("invalid price %q: %w", f, err)
		}
		pd := types.PriceData{CurrencyCode: strings.ToUpper(code), Price: price, Source: "offerd"}
		if err := pd.Validate(); err != nil {
			return nil, fmt.Errorf("invalid price %q: %w", f, err)
		}
		ticks = append(ticks, pd)
	}
	return ticks, nil
}

// publishLoop broadcasts the given prices now and then periodically
func publishLoop(ctx context.Context, net pricefeed.Network, feed *pricefeed.Feed, clk clock.Clock, ticks []types.PriceData) {
	ticker := clk.Ticker(pricePublishInterval)
	defer ticker.Stop()

	for {
		for _, pd := range ticks {
			pd.Timestamp = clk.Now()
			if err := feed.Publish(net, pd); err != nil {
				logger.Warn("Failed to publish price",
					zap.String("currency", pd.CurrencyCode),
					zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// statusLoop periodically logs the state of the node
func statusLoop(ctx context.Context, clk clock.Clock, dir *offerbook.Directory, eng *engine.Engine, feed *pricefeed.Feed) {
	ticker := clk.Ticker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		stats := dir.GetStats()
		logger.Info("Node status",
			zap.Any("directoryOffers", stats["offer_count"]),
			zap.Any("makers", stats["maker_count"]),
			zap.Any("peers", stats["peer_count"]),
			zap.Any("bootstrapped", stats["bootstrapped"]),
			zap.Int("openOffers", len(eng.OpenOffers())),
			zap.Bool("stopped", eng.IsStopped()),
			zap.Int("knownPrices", len(feed.Prices())))
	}
}

func logEngineEvents(ctx context.Context, eng *engine.Engine) {
	r, err := eng.Subscribe()
	if err != nil {
		logger.Error("Failed to subscribe to engine events", zap.Error(err))
		return
	}
	defer r.Close()
	ch, err := topic.ReceiveCh(r)
	if err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			logger.Info("Offer event",
				zap.String("event", ev.Kind.String()),
				zap.String("offerID", ev.OfferID),
				zap.String("state", string(ev.State)),
				zap.String("reason", ev.Reason))
		}
	}
}

// watchDirectory reports which offers of other makers this node could take
func watchDirectory(ctx context.Context, dir *offerbook.Directory, feed *pricefeed.Feed, f *filter.Filter) {
	r, err := dir.Subscribe()
	if err != nil {
		logger.Error("Failed to subscribe to directory", zap.Error(err))
		return
	}
	defer r.Close()
	ch, err := topic.ReceiveCh(r)
	if err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != offerbook.EntryAdded {
				logger.Debug("Offer left the directory", zap.String("offerID", ev.Payload.ID))
				continue
			}
			o := offer.New(ev.Payload, feed)
			res := f.Check(o)
			logger.Debug("Offer in directory",
				zap.String("offerID", o.ID()),
				zap.String("direction", string(o.Direction())),
				zap.String("currency", o.CurrencyCode()),
				zap.String("filter", res.String()))
		}
	}
}
