package exchange

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/tradeflow/internal/config"
	"github.com/milkywaybrain/tradeflow/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Binance payloads reuse letters in both cases ("e" and "E", "s" and "S"),
// so decoding has to be case sensitive.
var wsJSON = jsoniter.Config{CaseSensitive: true}.Froze()

type wsAggTradeBinance struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	AggID     uint64 `json:"a"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	TradeTime int64  `json:"T"`
	Maker     bool   `json:"m"`
}

type wsMarkPriceBinance struct {
	Event       string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	FundingRate string `json:"r"`
}

type wsForceOrderBinance struct {
	Event     string                    `json:"e"`
	EventTime int64                     `json:"E"`
	Order     wsForceOrderDetailBinance `json:"o"`
}

type wsForceOrderDetailBinance struct {
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	FilledQty string `json:"z"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// Consumer keeps one binance stream subscription alive and turns its messages into
// records and trade aggregation.
//
// Every receive or decode error closes the connection, waits the retry gap and dials again,
// so a dead connection is never read twice.
type Consumer struct {
	stream  Stream
	url     string
	dialer  Dialer
	rec     Recorder
	agg     TradeAdder
	liqMin  decimal.Decimal
	retry   config.Retry
	backoff time.Duration
}

// NewConsumer creates a consumer of the stream.
func NewConsumer(stream Stream, cfg *config.Config, dialer Dialer, rec Recorder, agg TradeAdder) *Consumer {
	return &Consumer{
		stream:  stream,
		url:     stream.URL(cfg.Connection.WS.BaseURL),
		dialer:  dialer,
		rec:     rec,
		agg:     agg,
		liqMin:  decimal.NewFromFloat(cfg.Thresholds.LiquidationMinUSD),
		retry:   cfg.Retry,
		backoff: time.Duration(cfg.Retry.GapSec) * time.Second,
	}
}

// Start runs the consumer till appCtx is canceled.
// With a configured retry number, it returns an error once retries are exhausted.
func (c *Consumer) Start(appCtx context.Context) error {

	// Retry counter will be reset back to zero if the elapsed time since the last retry is greater than the configured one.
	var retryCount int
	lastRetryTime := time.Now()

	for {
		err := c.consume(appCtx)
		if appCtx.Err() != nil {
			log.Debug().Str("channel", c.stream.Channel).Str("symbol", c.stream.Name()).Msg("ctx canceled, return from Start")
			return appCtx.Err()
		}
		log.Error().Err(err).Str("channel", c.stream.Channel).Str("symbol", c.stream.Name()).Msg("error occurred")

		if c.retry.ResetSec == 0 || time.Since(lastRetryTime).Seconds() < float64(c.retry.ResetSec) {
			retryCount++
		} else {
			retryCount = 1
		}
		lastRetryTime = time.Now()
		if c.retry.Number > 0 && retryCount > c.retry.Number {
			return fmt.Errorf("not able to keep %s %s stream even after %v retry. please check the log for details", c.stream.Name(), c.stream.Channel, c.retry.Number)
		}

		log.Error().Str("channel", c.stream.Channel).Str("symbol", c.stream.Name()).Int("retry", retryCount).Msg(fmt.Sprintf("reconnecting in %v", c.backoff))
		gap := time.NewTimer(c.backoff)
		select {
		case <-gap.C:
		case <-appCtx.Done():
			gap.Stop()
			return appCtx.Err()
		}
	}
}

// consume dials the stream and processes frames till the first receive or decode error.
func (c *Consumer) consume(appCtx context.Context) error {
	ws, err := c.dialer.Dial(appCtx, c.url)
	if err != nil {
		return errors.Wrap(err, "dial "+c.url)
	}

	// Closing the connection unblocks the read on shutdown or when this session ends.
	ctx, cancel := context.WithCancel(appCtx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ws.Close()
	}()
	log.Info().Str("channel", c.stream.Channel).Str("symbol", c.stream.Name()).Msg("websocket connected")

	for {
		frame, err := ws.Read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "connection closed")
			}
			if err == io.EOF {
				err = errors.Wrap(err, "connection close by exchange server")
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(frame) == 0 {
			continue
		}
		if err = c.process(ctx, frame); err != nil {
			return err
		}
	}
}

// process decodes one frame, then records it and, for trades, aggregates it.
// Decode errors are returned. Storage errors are logged and the frame is skipped,
// except ctx errors.
func (c *Consumer) process(ctx context.Context, frame []byte) error {
	switch c.stream.Channel {
	case config.ChannelAggTrade:
		wr := wsAggTradeBinance{}
		if err := wsJSON.Unmarshal(frame, &wr); err != nil {
			return errors.Wrap(err, "decode aggTrade")
		}
		if c.ignored(frame, wr.Event, "aggTrade", wr.Symbol) {
			return nil
		}
		trade, err := wr.trade()
		if err != nil {
			return err
		}
		c.agg.AddTrade(trade.Symbol, trade.TradeTime, trade.Notional(), trade.BuyerMaker)
		return c.stored(ctx, c.rec.RecordTrade(ctx, trade))

	case config.ChannelMarkPrice:
		wr := wsMarkPriceBinance{}
		if err := wsJSON.Unmarshal(frame, &wr); err != nil {
			return errors.Wrap(err, "decode markPriceUpdate")
		}
		if c.ignored(frame, wr.Event, "markPriceUpdate", wr.Symbol) {
			return nil
		}
		funding, err := wr.fundingRate()
		if err != nil {
			return err
		}
		return c.stored(ctx, c.rec.RecordFundingRate(ctx, funding))

	case config.ChannelForceOrder:
		wr := wsForceOrderBinance{}
		if err := wsJSON.Unmarshal(frame, &wr); err != nil {
			return errors.Wrap(err, "decode forceOrder")
		}
		if c.ignored(frame, wr.Event, "forceOrder", wr.Order.Symbol) {
			return nil
		}
		liq, err := wr.liquidation()
		if err != nil {
			return err
		}
		if !liq.USDSize().GreaterThan(c.liqMin) {
			log.Debug().Str("func", "process").Str("symbol", liq.Symbol).Str("usd_size", liq.USDSize().String()).Msg("liquidation below minimum size")
			return nil
		}
		return c.stored(ctx, c.rec.RecordLiquidation(ctx, liq))
	}
	return nil
}

// ignored reports frames which are not events of the stream, like subscription replies.
// The event type is optional, a frame without one is taken when it names a symbol.
func (c *Consumer) ignored(frame []byte, event string, want string, symbol string) bool {
	if (event == "" || event == want) && symbol != "" {
		return false
	}
	log.Debug().Str("channel", c.stream.Channel).Str("symbol", c.stream.Name()).Str("frame", string(frame)).Msg("frame ignored")
	return true
}

// stored filters a storage error: ctx errors stop the session, anything else is logged.
func (c *Consumer) stored(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	log.Error().Stack().Err(errors.WithStack(err)).Str("channel", c.stream.Channel).Str("symbol", c.stream.Name()).Msg("record not stored")
	return nil
}

func (wr *wsAggTradeBinance) trade() (storage.Trade, error) {
	price, err := decimal.NewFromString(wr.Price)
	if err != nil {
		return storage.Trade{}, errors.Wrap(err, "aggTrade price")
	}
	qty, err := decimal.NewFromString(wr.Qty)
	if err != nil {
		return storage.Trade{}, errors.Wrap(err, "aggTrade quantity")
	}
	return storage.Trade{
		EventTime: wr.EventTime,
		Symbol:    wr.Symbol,
		TradeID:   wr.AggID,
		Price:     price,
		Quantity:  qty,

		// Time sent is in milliseconds.
		TradeTime:  time.Unix(0, wr.TradeTime*int64(time.Millisecond)).UTC(),
		BuyerMaker: wr.Maker,
	}, nil
}

func (wr *wsMarkPriceBinance) fundingRate() (storage.FundingRate, error) {
	rate, err := decimal.NewFromString(wr.FundingRate)
	if err != nil {
		return storage.FundingRate{}, errors.Wrap(err, "markPriceUpdate funding rate")
	}
	return storage.FundingRate{
		Timestamp: time.Unix(0, wr.EventTime*int64(time.Millisecond)).UTC(),
		Symbol:    wr.Symbol,
		Rate:      rate,
	}, nil
}

func (wr *wsForceOrderBinance) liquidation() (storage.Liquidation, error) {
	qty, err := decimal.NewFromString(wr.Order.FilledQty)
	if err != nil {
		return storage.Liquidation{}, errors.Wrap(err, "forceOrder quantity")
	}
	price, err := decimal.NewFromString(wr.Order.Price)
	if err != nil {
		return storage.Liquidation{}, errors.Wrap(err, "forceOrder price")
	}
	return storage.Liquidation{
		Symbol:    wr.Order.Symbol,
		Side:      wr.Order.Side,
		Quantity:  qty,
		Price:     price,
		EventTime: time.Unix(0, wr.Order.TradeTime*int64(time.Millisecond)).UTC(),
	}, nil
}
