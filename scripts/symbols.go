package main

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/tradeflow/internal/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// This function will query binance futures for the symbols currently trading and store them in a csv file.
// Users can look up to this csv file to give symbols in the app configuration.
// CSV file created at ./examples/symbols.csv.
func main() {
	resp, err := http.Get(config.BinanceFuturesRESTBaseURL + "exchangeInfo")
	if err != nil {
		log.Error().Err(err).Str("exchange", "binance").Msg("exchange request for symbols")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err = errors.Errorf("exchange info status %s", resp.Status)
		log.Error().Err(err).Str("exchange", "binance").Msg("exchange request for symbols")
		return
	}
	info := binanceResp{}
	if err = jsoniter.NewDecoder(resp.Body).Decode(&info); err != nil {
		log.Error().Err(err).Str("exchange", "binance").Msg("convert symbols response")
		return
	}

	f, err := os.Create("./examples/symbols.csv")
	if err != nil {
		log.Error().Err(err).Str("exchange", "binance").Msg("csv file create")
		return
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()

	if err = w.Write([]string{"symbol", "base", "quote", "contract"}); err != nil {
		log.Error().Err(err).Str("exchange", "binance").Msg("writing symbols to csv")
		return
	}
	for _, record := range info.Result {
		if record.Status != "TRADING" || record.ContractType != "PERPETUAL" {
			continue
		}
		row := []string{strings.ToLower(record.Name), record.Base, record.Quote, record.ContractType}
		if err = w.Write(row); err != nil {
			log.Error().Err(err).Str("exchange", "binance").Msg("writing symbols to csv")
			return
		}
	}

	fmt.Println("CSV file generated successfully at ./examples/symbols.csv")
}

type binanceResp struct {
	Result []binanceRespRes `json:"symbols"`
}
type binanceRespRes struct {
	Name         string `json:"symbol"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
	Base         string `json:"baseAsset"`
	Quote        string `json:"quoteAsset"`
}
