package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/milkywaybrain/tradeflow/internal/config"
	"github.com/milkywaybrain/tradeflow/internal/connector"
	"github.com/milkywaybrain/tradeflow/internal/storage"
	"github.com/shopspring/decimal"
)

// Stream is one feed subscription, a symbol and a channel.
// Symbol is empty for the all market liquidation stream.
type Stream struct {
	Symbol  string
	Channel string
}

// URL returns the raw stream url under base.
func (s Stream) URL(base string) string {
	if s.Channel == config.ChannelForceOrder {
		return base + "!forceOrder@arr"
	}
	return base + strings.ToLower(s.Symbol) + "@" + s.Channel
}

// Name is used for logging.
func (s Stream) Name() string {
	if s.Symbol == "" {
		return "all"
	}
	return strings.ToUpper(s.Symbol)
}

// Streams lists the subscriptions of the configured symbols and channels.
// Liquidations come from one shared stream for all the markets.
func Streams(cfg *config.Config) []Stream {
	var streams []Stream
	for _, channel := range []string{config.ChannelAggTrade, config.ChannelMarkPrice} {
		if !cfg.HasChannel(channel) {
			continue
		}
		for _, symbol := range cfg.Symbols {
			streams = append(streams, Stream{Symbol: symbol, Channel: channel})
		}
	}
	if cfg.HasChannel(config.ChannelForceOrder) {
		streams = append(streams, Stream{Channel: config.ChannelForceOrder})
	}
	return streams
}

// Recorder stores the records built from feed messages.
type Recorder interface {
	RecordTrade(ctx context.Context, trade storage.Trade) error
	RecordFundingRate(ctx context.Context, funding storage.FundingRate) error
	RecordLiquidation(ctx context.Context, liquidation storage.Liquidation) error
}

// TradeAdder takes trade notional for aggregation.
type TradeAdder interface {
	AddTrade(symbol string, second time.Time, notional decimal.Decimal, buyerMaker bool)
}

// Dialer opens feed connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (connector.Websocket, error)
}
