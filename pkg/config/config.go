package config

import (
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/kreutix/offerbook/pkg/engine"
	"github.com/kreutix/offerbook/pkg/filter"
	"github.com/kreutix/offerbook/pkg/funding"
	"github.com/kreutix/offerbook/pkg/offerbook"
	"github.com/kreutix/offerbook/pkg/pricefeed"
	"github.com/kreutix/offerbook/pkg/reputation"
	"github.com/mitchellh/mapstructure"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. OFFERD_ENGINE_RETRY_DELAY
const EnvPrefix = "OFFERD"

type (
	// Config is the complete node configuration.
	Config struct {
		Node       NodeConfig          `mapstructure:"node"`
		Engine     engine.Config       `mapstructure:"engine"`
		Directory  offerbook.Config    `mapstructure:"directory"`
		PriceFeed  PriceFeedConfig     `mapstructure:"price_feed"`
		Fees       FeeConfig           `mapstructure:"fees"`
		Wallet     WalletConfig        `mapstructure:"wallet"`
		Accounts   []AccountConfig     `mapstructure:"accounts"`
		Reputation reputation.Config   `mapstructure:"reputation"`
		Bans       filter.BanSetConfig `mapstructure:"bans"`
		Store      StoreConfig         `mapstructure:"store"`
		Log        LogConfig           `mapstructure:"log"`
	}

	// NodeConfig configures the network node.
	NodeConfig struct {
		ListenAddrs    []string `mapstructure:"listen_addrs"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers"`

		// KeyFile holds the node identity; it is created on first start.
		// Empty means node.key inside the data dir.
		KeyFile string `mapstructure:"key_file"`

		// Network is the bitcoin network: mainnet, testnet3, regtest,
		// signet or simnet.
		Network string `mapstructure:"network"`

		Arbitrators  []ArbitratorConfig `mapstructure:"arbitrators"`
		IgnoredNodes []string           `mapstructure:"ignored_nodes"`
	}

	// ArbitratorConfig is a dispute agent known to this node.
	ArbitratorConfig struct {
		Address   string   `mapstructure:"address"`
		Languages []string `mapstructure:"languages"`
	}

	// AccountConfig is a local payment account.
	AccountConfig struct {
		ID              string    `mapstructure:"id"`
		PaymentMethodID string    `mapstructure:"payment_method_id"`
		Currencies      []string  `mapstructure:"currencies"`
		Created         time.Time `mapstructure:"created"`
	}

	// PriceFeedConfig configures the market price feed.
	PriceFeedConfig struct {
		MaxAge time.Duration `mapstructure:"max_age"`
	}

	// FeeConfig holds the trade fee schedule.
	FeeConfig struct {
		MakerRate decimal.Decimal `mapstructure:"maker_rate"`
		TakerRate decimal.Decimal `mapstructure:"taker_rate"`
		MinFee    btcutil.Amount  `mapstructure:"min_fee"`

		// InBTC makes new offers pay the maker fee in BTC instead of the
		// fee asset.
		InBTC bool `mapstructure:"in_btc"`
	}

	// WalletConfig seeds the in-memory wallet.
	WalletConfig struct {
		Balance    btcutil.Amount `mapstructure:"balance"`
		FeeBalance btcutil.Amount `mapstructure:"fee_balance"`
		FeeRate    btcutil.Amount `mapstructure:"fee_rate"`
	}

	// StoreConfig locates the database.
	StoreConfig struct {
		DataDir string `mapstructure:"data_dir"`
	}

	// LogConfig configures the logger.
	LogConfig struct {
		Level string `mapstructure:"level"`
	}
)

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	fees := funding.DefaultFeeSchedule()
	return &Config{
		Node: NodeConfig{
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/9000"},
			Network:     "regtest",
		},
		Engine:    engine.DefaultConfig(),
		Directory: offerbook.DefaultConfig(),
		PriceFeed: PriceFeedConfig{MaxAge: pricefeed.DefaultMaxAge},
		Fees: FeeConfig{
			MakerRate: fees.MakerRate,
			TakerRate: fees.TakerRate,
			MinFee:    fees.MinFee,
			InBTC:     true,
		},
		Wallet: WalletConfig{
			FeeRate: 10,
		},
		Reputation: reputation.DefaultConfig(),
		Store:      StoreConfig{DataDir: "offerd"},
		Log:        LogConfig{Level: "info"},
	}
}

// setDefaults registers every key with viper so that environment overrides
// are picked up by Unmarshal.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("node.listen_addrs", c.Node.ListenAddrs)
	v.SetDefault("node.bootstrap_peers", c.Node.BootstrapPeers)
	v.SetDefault("node.key_file", c.Node.KeyFile)
	v.SetDefault("node.network", c.Node.Network)
	v.SetDefault("node.ignored_nodes", c.Node.IgnoredNodes)

	v.SetDefault("engine.republish_interval", c.Engine.RepublishInterval)
	v.SetDefault("engine.refresh_interval", c.Engine.RefreshInterval)
	v.SetDefault("engine.retry_delay", c.Engine.RetryDelay)
	v.SetDefault("engine.bootstrap_catch_up", c.Engine.BootstrapCatchUp)
	v.SetDefault("engine.republish_jitter", c.Engine.RepublishJitter)
	v.SetDefault("engine.refresh_jitter", c.Engine.RefreshJitter)
	v.SetDefault("engine.reservation_timeout", c.Engine.ReservationTimeout)
	v.SetDefault("engine.shutdown_base_delay", c.Engine.ShutdownBaseDelay)
	v.SetDefault("engine.shutdown_per_offer_delay", c.Engine.ShutdownPerOfferDelay)
	v.SetDefault("engine.funding_retries", c.Engine.FundingRetries)
	v.SetDefault("engine.funding_retry_delay", c.Engine.FundingRetryDelay)

	v.SetDefault("directory.entry_ttl", c.Directory.EntryTTL)
	v.SetDefault("directory.cleanup_interval", c.Directory.CleanupInterval)
	v.SetDefault("directory.bootstrap_timeout", c.Directory.BootstrapTimeout)
	v.SetDefault("directory.standalone", c.Directory.Standalone)

	v.SetDefault("price_feed.max_age", c.PriceFeed.MaxAge)

	v.SetDefault("fees.maker_rate", c.Fees.MakerRate.String())
	v.SetDefault("fees.taker_rate", c.Fees.TakerRate.String())
	v.SetDefault("fees.min_fee", int64(c.Fees.MinFee))
	v.SetDefault("fees.in_btc", c.Fees.InBTC)

	v.SetDefault("wallet.balance", int64(c.Wallet.Balance))
	v.SetDefault("wallet.fee_balance", int64(c.Wallet.FeeBalance))
	v.SetDefault("wallet.fee_rate", int64(c.Wallet.FeeRate))

	v.SetDefault("reputation.default_max_trade_limit", int64(c.Reputation.DefaultMaxTradeLimit))
	v.SetDefault("reputation.first_bucket", c.Reputation.FirstBucket)
	v.SetDefault("reputation.second_bucket", c.Reputation.SecondBucket)

	v.SetDefault("bans.offers", c.Bans.Offers)
	v.SetDefault("bans.currencies", c.Bans.Currencies)
	v.SetDefault("bans.payment_methods", c.Bans.PaymentMethods)
	v.SetDefault("bans.nodes", c.Bans.Nodes)
	v.SetDefault("bans.require_update", c.Bans.RequireUpdate)
	v.SetDefault("bans.disable_api", c.Bans.DisableAPI)
	v.SetDefault("bans.disable_swaps", c.Bans.DisableSwaps)

	v.SetDefault("store.data_dir", c.Store.DataDir)
	v.SetDefault("log.level", c.Log.Level)
}

// Load reads the configuration file at path, if any, applies OFFERD_*
// environment overrides on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	setDefaults(v, cfg)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	opts := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		parseConfigTypes(),
	))
	if err := v.Unmarshal(cfg, opts); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseConfigTypes is used by viper to parse the custom types out of the
// config file.
func parseConfigTypes() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(decimal.Decimal{}) {
			return data, nil
		}
		switch d := data.(type) {
		case decimal.Decimal:
			return d, nil
		case string:
			dec, err := decimal.NewFromString(strings.TrimSpace(d))
			if err != nil {
				return nil, errors.Wrapf(err, "parsing decimal %q", d)
			}
			return dec, nil
		case float64:
			return decimal.NewFromFloat(d), nil
		case int:
			return decimal.NewFromInt(int64(d)), nil
		case int64:
			return decimal.NewFromInt(d), nil
		default:
			return nil, errors.Errorf("unsupported type %T for decimal", data)
		}
	}
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return errors.Wrap(err, "invalid engine config")
	}
	for name, d := range map[string]time.Duration{
		"directory.entry_ttl":         c.Directory.EntryTTL,
		"directory.cleanup_interval":  c.Directory.CleanupInterval,
		"directory.bootstrap_timeout": c.Directory.BootstrapTimeout,
		"reputation.first_bucket":     c.Reputation.FirstBucket,
		"reputation.second_bucket":    c.Reputation.SecondBucket,
	} {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.PriceFeed.MaxAge < 0 {
		return errors.Errorf("price_feed.max_age cannot be negative, got %s", c.PriceFeed.MaxAge)
	}
	if c.Reputation.SecondBucket < c.Reputation.FirstBucket {
		return errors.New("reputation.second_bucket must not be shorter than first_bucket")
	}
	if c.Fees.MakerRate.IsNegative() || c.Fees.TakerRate.IsNegative() || c.Fees.MinFee < 0 {
		return errors.New("fees cannot be negative")
	}
	if c.Wallet.Balance < 0 || c.Wallet.FeeBalance < 0 || c.Wallet.FeeRate < 0 {
		return errors.New("wallet balances and fee rate cannot be negative")
	}
	if strings.TrimSpace(c.Store.DataDir) == "" {
		return errors.New("store.data_dir cannot be empty")
	}
	if _, err := c.ChainParams(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("unknown log level %q", c.Log.Level)
	}
	for _, a := range c.Node.Arbitrators {
		if a.Address == "" {
			return errors.New("arbitrator address cannot be empty")
		}
	}
	for _, a := range c.Accounts {
		if a.ID == "" || a.PaymentMethodID == "" {
			return errors.New("accounts need an id and a payment method")
		}
	}
	return nil
}

// ReputationAccounts converts the configured payment accounts. Accounts
// without a creation date are treated as created at now.
func (c *Config) ReputationAccounts(now time.Time) []reputation.Account {
	accounts := make([]reputation.Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		created := a.Created
		if created.IsZero() {
			created = now
		}
		accounts = append(accounts, reputation.Account{
			ID:              a.ID,
			PaymentMethodID: a.PaymentMethodID,
			Currencies:      a.Currencies,
			Created:         created,
		})
	}
	return accounts
}

// ChainParams returns the parameters of the configured bitcoin network.
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	switch strings.ToLower(c.Node.Network) {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, errors.Errorf("unknown bitcoin network %q", c.Node.Network)
	}
}

// KeyFilePath returns where the node identity is stored.
func (c *Config) KeyFilePath() string {
	if c.Node.KeyFile != "" {
		return c.Node.KeyFile
	}
	return filepath.Join(c.Store.DataDir, "node.key")
}

// FeeSchedule returns the configured trade fees.
func (c *Config) FeeSchedule() funding.FeeSchedule {
	return funding.FeeSchedule{
		MakerRate: c.Fees.MakerRate,
		TakerRate: c.Fees.TakerRate,
		MinFee:    c.Fees.MinFee,
	}
}

// ParseAddrs parses multiaddr strings such as listen or bootstrap addresses.
func ParseAddrs(addrs []string) ([]multiaddr.Multiaddr, error) {
	out := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid address %q", s)
		}
		out = append(out, addr)
	}
	return out, nil
}
