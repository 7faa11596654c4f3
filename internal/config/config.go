package config

import (
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// BinanceFuturesWebsocketURL is the binance USD-M futures raw stream base url.
	BinanceFuturesWebsocketURL = "wss://fstream.binance.com/ws/"
	// BinanceFuturesRESTBaseURL is the binance USD-M futures base REST url.
	BinanceFuturesRESTBaseURL = "https://fapi.binance.com/fapi/v1/"
)

// Channels supported by the stream consumers.
const (
	ChannelAggTrade   = "aggTrade"
	ChannelMarkPrice  = "markPrice"
	ChannelForceOrder = "forceOrder"
)

// Storages supported for persisting records.
const (
	StorageFile          = "file"
	StorageMySQL         = "mysql"
	StorageElasticSearch = "elastic_search"
)

// Config contains config values for the app.
// Struct values are loaded from user defined JSON or YAML config file.
type Config struct {
	Symbols         []string   `json:"symbols" yaml:"symbols"`
	Channels        []string   `json:"channels" yaml:"channels"`
	Storages        []string   `json:"storages" yaml:"storages"`
	Thresholds      Thresholds `json:"thresholds" yaml:"thresholds"`
	SweepIntervalMs int        `json:"sweep_interval_ms" yaml:"sweep_interval_ms"`
	Retry           Retry      `json:"retry" yaml:"retry"`
	Connection      Connection `json:"connection" yaml:"connection"`
	Log             Log        `json:"log" yaml:"log"`
}

// DefaultLiquidationMinUSD is used when liquidation_min_usd is absent from the config file.
const DefaultLiquidationMinUSD = 3000

// Thresholds contains the notional limits, in quote currency, used by the pipeline.
type Thresholds struct {
	TradeAlertUSD     float64 `json:"trade_alert_usd" yaml:"trade_alert_usd"`
	LiquidationMinUSD float64 `json:"liquidation_min_usd" yaml:"liquidation_min_usd"`
}

// Retry contains config values for retry process.
// Number zero means retry forever.
type Retry struct {
	Number   int `json:"number" yaml:"number"`
	GapSec   int `json:"gap_sec" yaml:"gap_sec"`
	ResetSec int `json:"reset_sec" yaml:"reset_sec"`
}

// Connection contains config values for feed and storage connections.
type Connection struct {
	WS    WS    `json:"websocket" yaml:"websocket"`
	File  File  `json:"file" yaml:"file"`
	MySQL MySQL `json:"mysql" yaml:"mysql"`
	ES    ES    `json:"elastic_search" yaml:"elastic_search"`
}

// WS contains config values for websocket connection.
type WS struct {
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	ConnTimeoutSec int     `json:"conn_timeout_sec" yaml:"conn_timeout_sec"`
	ReadTimeoutSec int     `json:"read_timeout_sec" yaml:"read_timeout_sec"`
	DialsPerSec    float64 `json:"dials_per_sec" yaml:"dials_per_sec"`
}

// File contains paths of the append only record logs.
type File struct {
	TradesPath       string `json:"trades_path" yaml:"trades_path"`
	FundingRatesPath string `json:"funding_rates_path" yaml:"funding_rates_path"`
	LiquidationsPath string `json:"liquidations_path" yaml:"liquidations_path"`
}

// MySQL contains config values for mysql.
type MySQL struct {
	User               string `json:"user" yaml:"user"`
	Password           string `json:"password" yaml:"password"`
	URL                string `json:"URL" yaml:"url"`
	Schema             string `json:"schema" yaml:"schema"`
	ReqTimeoutSec      int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_sec" yaml:"conn_max_lifetime_sec"`
	MaxOpenConns       int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	CommitBuf          int    `json:"commit_buffer" yaml:"commit_buffer"`
}

// ES contains config values for elastic search.
type ES struct {
	Addresses           []string `json:"addresses" yaml:"addresses"`
	Username            string   `json:"username" yaml:"username"`
	Password            string   `json:"password" yaml:"password"`
	IndexName           string   `json:"index_name" yaml:"index_name"`
	ReqTimeoutSec       int      `json:"request_timeout_sec" yaml:"request_timeout_sec"`
	MaxIdleConns        int      `json:"max_idle_conns" yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int      `json:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
	CommitBuf           int      `json:"commit_buffer" yaml:"commit_buffer"`
}

// Log contains config values for logging.
type Log struct {
	Level    string `json:"level" yaml:"level"`
	FilePath string `json:"file_path" yaml:"file_path"`
}

// Load reads the config file at path, fills in defaults and validates the result.
// Files ending with .yaml or .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}
	// Zero is a valid liquidation minimum which keeps every liquidation,
	// so its default is set only when the file doesn't give one.
	cfg := Config{Thresholds: Thresholds{LiquidationMinUSD: DefaultLiquidationMinUSD}}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = jsoniter.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}
	cfg.SetDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills zero values with the defaults of the app.
func (c *Config) SetDefaults() {
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"btcusdt", "solusdt"}
	}
	if len(c.Channels) == 0 {
		c.Channels = []string{ChannelAggTrade, ChannelMarkPrice, ChannelForceOrder}
	}
	if len(c.Storages) == 0 {
		c.Storages = []string{StorageFile}
	}
	if c.Thresholds.TradeAlertUSD == 0 {
		c.Thresholds.TradeAlertUSD = 500000
	}
	if c.SweepIntervalMs == 0 {
		c.SweepIntervalMs = 1000
	}
	if c.Retry.GapSec == 0 {
		c.Retry.GapSec = 5
	}
	if c.Connection.WS.BaseURL == "" {
		c.Connection.WS.BaseURL = BinanceFuturesWebsocketURL
	}
	if c.Connection.WS.ConnTimeoutSec == 0 {
		c.Connection.WS.ConnTimeoutSec = 10
	}
	if c.Connection.WS.DialsPerSec == 0 {
		c.Connection.WS.DialsPerSec = 4
	}
	if c.Connection.File.TradesPath == "" {
		c.Connection.File.TradesPath = "recent_trades.csv"
	}
	if c.Connection.File.FundingRatesPath == "" {
		c.Connection.File.FundingRatesPath = "funding_rates.csv"
	}
	if c.Connection.File.LiquidationsPath == "" {
		c.Connection.File.LiquidationsPath = "liquidation_events.csv"
	}
	if c.Connection.MySQL.CommitBuf == 0 {
		c.Connection.MySQL.CommitBuf = 100
	}
	if c.Connection.ES.CommitBuf == 0 {
		c.Connection.ES.CommitBuf = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.FilePath == "" {
		c.Log.FilePath = "./tradeflow"
	}
}

// Validate checks user defined values which can't be corrected by defaults.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return errors.New("at least one symbol should be configured")
	}
	for _, symbol := range c.Symbols {
		if strings.TrimSpace(symbol) == "" {
			return errors.New("symbol should not be empty")
		}
	}
	for _, channel := range c.Channels {
		switch channel {
		case ChannelAggTrade, ChannelMarkPrice, ChannelForceOrder:
		default:
			return errors.Errorf("unknown channel %q", channel)
		}
	}
	for _, str := range c.Storages {
		switch str {
		case StorageFile, StorageMySQL, StorageElasticSearch:
		default:
			return errors.Errorf("unknown storage %q", str)
		}
	}
	if c.Thresholds.TradeAlertUSD <= 0 {
		return errors.New("trade_alert_usd should be greater than zero")
	}
	if c.Thresholds.LiquidationMinUSD < 0 {
		return errors.New("liquidation_min_usd should not be negative")
	}
	if c.SweepIntervalMs < 1 {
		return errors.New("sweep_interval_ms should be greater than zero")
	}
	if c.Retry.Number < 0 || c.Retry.GapSec < 0 || c.Retry.ResetSec < 0 {
		return errors.New("retry values should not be negative")
	}
	if c.Connection.WS.DialsPerSec < 0 {
		return errors.New("dials_per_sec should not be negative")
	}
	return nil
}

// HasChannel reports whether the channel is enabled.
func (c *Config) HasChannel(channel string) bool {
	for _, ch := range c.Channels {
		if ch == channel {
			return true
		}
	}
	return false
}

// HasStorage reports whether the storage is enabled.
// The file storage is always enabled.
func (c *Config) HasStorage(str string) bool {
	if str == StorageFile {
		return true
	}
	for _, s := range c.Storages {
		if s == str {
			return true
		}
	}
	return false
}
