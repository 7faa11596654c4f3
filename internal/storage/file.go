package storage

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/milkywaybrain/tradeflow/internal/config"
	"github.com/pkg/errors"
)

// Headers written once when a record log is created.
const (
	TradesHeader       = "Event Time, Symbol, Trade ID, Price, Quantity, Trade Time, Is Buyer Maker\n"
	FundingRatesHeader = "Timestamp, Symbol, Funding Rate, Yearly Rate\n"
	LiquidationsHeader = "Symbol, Side, Quantity, Price, USD Size, Event Time\n"
)

// File is for appending records to comma separated, append only log files.
type File struct {
	trades       *appendLog
	fundingRates *appendLog
	liquidations *appendLog
}

// appendLog serializes writes so that every record lands as one whole line.
type appendLog struct {
	mu sync.Mutex
	f  *os.File
}

// InitFile opens the three record logs, creating them with their header if they don't exist.
func InitFile(cfg *config.File) (*File, error) {
	trades, err := openAppendLog(cfg.TradesPath, TradesHeader)
	if err != nil {
		return nil, err
	}
	fundingRates, err := openAppendLog(cfg.FundingRatesPath, FundingRatesHeader)
	if err != nil {
		trades.close()
		return nil, err
	}
	liquidations, err := openAppendLog(cfg.LiquidationsPath, LiquidationsHeader)
	if err != nil {
		trades.close()
		fundingRates.close()
		return nil, err
	}
	return &File{
		trades:       trades,
		fundingRates: fundingRates,
		liquidations: liquidations,
	}, nil
}

func openAppendLog(path string, header string) (*appendLog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open record file %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat record file %s", path)
	}
	if info.Size() == 0 {
		if _, err = f.WriteString(header); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "write header to %s", path)
		}
	}
	return &appendLog{f: f}, nil
}

func (a *appendLog) append(line string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.f.WriteString(line)
	if err != nil {
		return errors.Wrapf(err, "append to %s", a.f.Name())
	}
	return nil
}

func (a *appendLog) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Close()
}

// CommitTrade appends a trade line.
func (f *File) CommitTrade(trade Trade) error {
	return f.trades.append(TradeLine(trade))
}

// CommitFundingRate appends a funding rate line.
func (f *File) CommitFundingRate(funding FundingRate) error {
	return f.fundingRates.append(FundingRateLine(funding))
}

// CommitLiquidation appends a liquidation line.
func (f *File) CommitLiquidation(liquidation Liquidation) error {
	return f.liquidations.append(LiquidationLine(liquidation))
}

// Close closes all the record logs.
func (f *File) Close() error {
	var first error
	for _, l := range []*appendLog{f.trades, f.fundingRates, f.liquidations} {
		if err := l.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// TradeLine formats a trade record.
func TradeLine(t Trade) string {
	return joinLine(
		strconv.FormatInt(t.EventTime, 10),
		t.Symbol,
		strconv.FormatUint(t.TradeID, 10),
		exact(t.Price),
		exact(t.Quantity),
		t.TradeTime.UTC().Format(RecordTimestamp),
		strconv.FormatBool(t.BuyerMaker),
	)
}

// FundingRateLine formats a funding rate record.
func FundingRateLine(f FundingRate) string {
	return joinLine(
		f.Timestamp.UTC().Format(RecordTimestamp),
		f.Symbol,
		f.Rate.String(),
		f.YearlyRate().String(),
	)
}

// LiquidationLine formats a liquidation record.
func LiquidationLine(l Liquidation) string {
	return joinLine(
		l.Symbol,
		l.Side,
		exact(l.Quantity),
		exact(l.Price),
		l.USDSize().String(),
		l.EventTime.UTC().Format(RecordTimestamp),
	)
}

func joinLine(fields ...string) string {
	return strings.Join(fields, ", ") + "\n"
}
