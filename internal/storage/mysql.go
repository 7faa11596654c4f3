package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/milkywaybrain/tradeflow/internal/config"
)

// MySQL is for connecting and inserting data to mysql.
type MySQL struct {
	DB  *sql.DB
	Cfg *config.MySQL
}

// Go time gives Z00:00, mysql timestamp needs +00:00 for UTC.
const mysqlTimestamp = "2006-01-02T15:04:05.999+00:00"

// InitMySQL initializes mysql connection with configured values.
// The driver has to be registered by the caller.
func InitMySQL(cfg *config.MySQL) (*MySQL, error) {
	dataSourceName := cfg.User + ":" + cfg.Password + cfg.URL + "/" + cfg.Schema
	db, err := sql.Open("mysql", dataSourceName)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(time.Second * time.Duration(cfg.ConnMaxLifetimeSec))
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	ctx, cancel := reqContext(context.Background(), cfg.ReqTimeoutSec)
	defer cancel()
	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &MySQL{DB: db, Cfg: cfg}, nil
}

// CommitTrades batch inserts input trade data to database.
func (m *MySQL) CommitTrades(appCtx context.Context, data []Trade) error {
	createdAt := time.Now().UTC().Format(mysqlTimestamp)
	args := make([]interface{}, 0, len(data)*8)
	for _, trade := range data {
		args = append(args, trade.Symbol, trade.TradeID, exact(trade.Price), exact(trade.Quantity),
			trade.BuyerMaker, trade.EventTime, trade.TradeTime.Format(mysqlTimestamp), createdAt)
	}
	query := insertQuery("INSERT INTO trade(symbol, trade_id, price, quantity, buyer_maker, event_time, trade_time, created_at) VALUES ", 8, len(data))
	return m.exec(appCtx, query, args)
}

// CommitFundingRates batch inserts input funding rate data to database.
func (m *MySQL) CommitFundingRates(appCtx context.Context, data []FundingRate) error {
	createdAt := time.Now().UTC().Format(mysqlTimestamp)
	args := make([]interface{}, 0, len(data)*5)
	for _, funding := range data {
		args = append(args, funding.Symbol, funding.Rate.String(), funding.YearlyRate().String(),
			funding.Timestamp.Format(mysqlTimestamp), createdAt)
	}
	query := insertQuery("INSERT INTO funding_rate(symbol, funding_rate, yearly_rate, timestamp, created_at) VALUES ", 5, len(data))
	return m.exec(appCtx, query, args)
}

// CommitLiquidations batch inserts input liquidation data to database.
func (m *MySQL) CommitLiquidations(appCtx context.Context, data []Liquidation) error {
	createdAt := time.Now().UTC().Format(mysqlTimestamp)
	args := make([]interface{}, 0, len(data)*7)
	for _, liq := range data {
		args = append(args, liq.Symbol, liq.Side, exact(liq.Quantity), exact(liq.Price),
			liq.USDSize().String(), liq.EventTime.Format(mysqlTimestamp), createdAt)
	}
	query := insertQuery("INSERT INTO liquidation(symbol, side, quantity, price, usd_size, timestamp, created_at) VALUES ", 7, len(data))
	return m.exec(appCtx, query, args)
}

func (m *MySQL) exec(appCtx context.Context, query string, args []interface{}) error {
	if len(args) == 0 {
		return nil
	}
	ctx, cancel := reqContext(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	_, err := m.DB.ExecContext(ctx, query, args...)
	return err
}

// Close closes the database handle.
func (m *MySQL) Close() error {
	return m.DB.Close()
}

// insertQuery appends rows number of placeholder groups, each with cols placeholders.
func insertQuery(prefix string, cols int, rows int) string {
	group := "(" + strings.TrimSuffix(strings.Repeat("?, ", cols), ", ") + ")"
	var sb strings.Builder
	sb.WriteString(prefix)
	for i := 0; i < rows; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(group)
	}
	return sb.String()
}

// reqContext applies the request timeout when one is configured.
func reqContext(parent context.Context, timeoutSec int) (context.Context, context.CancelFunc) {
	if timeoutSec > 0 {
		return context.WithTimeout(parent, time.Duration(timeoutSec)*time.Second)
	}
	return context.WithCancel(parent)
}
