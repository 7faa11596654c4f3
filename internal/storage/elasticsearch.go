package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v7"
	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/tradeflow/internal/config"
)

// ElasticSearch is for connecting and indexing data to elastic search.
type ElasticSearch struct {
	ES        *elasticsearch.Client
	IndexName string
	Cfg       *config.ES
}

// InitElasticSearch initializes elastic search connection with configured values.
func InitElasticSearch(cfg *config.ES) (*ElasticSearch, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = cfg.MaxIdleConns
	t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: t,
	}
	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := reqContext(context.Background(), cfg.ReqTimeoutSec)
	defer cancel()
	resp, err := es.Ping(es.Ping.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.IsError() {
		return nil, fmt.Errorf("ping code : %v, status : %v", resp.StatusCode, resp.Status())
	}
	return &ElasticSearch{
		ES:        es,
		IndexName: cfg.IndexName,
		Cfg:       cfg,
	}, nil
}

// esData holds trade, funding rate or liquidation data which will be sent to elastic search.
type esData struct {
	Channel     string    `json:"channel"`
	Symbol      string    `json:"symbol"`
	TradeID     uint64    `json:"trade_id,omitempty"`
	Side        string    `json:"side,omitempty"`
	Size        float64   `json:"size,omitempty"`
	Price       float64   `json:"price,omitempty"`
	USDSize     float64   `json:"usd_size,omitempty"`
	FundingRate float64   `json:"funding_rate,omitempty"`
	YearlyRate  float64   `json:"yearly_rate,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	CreatedAt   time.Time `json:"created_at"`
}

// CommitTrades batch inserts input trade data to elastic search.
func (e *ElasticSearch) CommitTrades(appCtx context.Context, data []Trade) error {
	docs := make([]esData, 0, len(data))
	for _, trade := range data {
		side := "buy"
		if trade.BuyerMaker {
			side = "sell"
		}
		docs = append(docs, esData{
			Channel:   config.ChannelAggTrade,
			Symbol:    trade.Symbol,
			TradeID:   trade.TradeID,
			Side:      side,
			Size:      trade.Quantity.InexactFloat64(),
			Price:     trade.Price.InexactFloat64(),
			USDSize:   trade.Notional().InexactFloat64(),
			Timestamp: trade.TradeTime,
		})
	}
	return e.bulk(appCtx, docs)
}

// CommitFundingRates batch inserts input funding rate data to elastic search.
func (e *ElasticSearch) CommitFundingRates(appCtx context.Context, data []FundingRate) error {
	docs := make([]esData, 0, len(data))
	for _, funding := range data {
		docs = append(docs, esData{
			Channel:     config.ChannelMarkPrice,
			Symbol:      funding.Symbol,
			FundingRate: funding.Rate.InexactFloat64(),
			YearlyRate:  funding.YearlyRate().InexactFloat64(),
			Timestamp:   funding.Timestamp,
		})
	}
	return e.bulk(appCtx, docs)
}

// CommitLiquidations batch inserts input liquidation data to elastic search.
func (e *ElasticSearch) CommitLiquidations(appCtx context.Context, data []Liquidation) error {
	docs := make([]esData, 0, len(data))
	for _, liq := range data {
		docs = append(docs, esData{
			Channel:   config.ChannelForceOrder,
			Symbol:    liq.Symbol,
			Side:      liq.Side,
			Size:      liq.Quantity.InexactFloat64(),
			Price:     liq.Price.InexactFloat64(),
			USDSize:   liq.USDSize().InexactFloat64(),
			Timestamp: liq.EventTime,
		})
	}
	return e.bulk(appCtx, docs)
}

func (e *ElasticSearch) bulk(appCtx context.Context, docs []esData) error {
	if len(docs) == 0 {
		return nil
	}
	body, err := bulkBody(docs, time.Now().UTC())
	if err != nil {
		return err
	}
	ctx, cancel := reqContext(appCtx, e.Cfg.ReqTimeoutSec)
	defer cancel()
	resp, err := e.ES.Bulk(bytes.NewReader(body), e.ES.Bulk.WithIndex(e.IndexName), e.ES.Bulk.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("code : %v, status : %v", resp.StatusCode, resp.Status())
	}
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

// bulkBody renders the newline delimited create actions for the bulk API.
func bulkBody(docs []esData, createdAt time.Time) ([]byte, error) {
	var buf bytes.Buffer
	meta := []byte("{\"create\":{}}\n")
	for _, doc := range docs {
		doc.CreatedAt = createdAt
		esBytes, err := jsoniter.Marshal(doc)
		if err != nil {
			return nil, err
		}
		buf.Grow(len(meta) + len(esBytes) + 1)
		buf.Write(meta)
		buf.Write(esBytes)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
