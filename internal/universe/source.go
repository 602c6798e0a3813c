// Package universe implements the Universe Service: periodic discovery
// of the tradeable symbol set, Common-only classification filtering, and
// a last-good cache so a scanner-query outage degrades to stale data
// instead of dropping the universe to empty. The scanner is a resty
// polling loop running fetch -> filter -> rank -> capped publish,
// generalized from a prediction-market discovery feed to a generic
// Candidate{Classification, Score} scanner-source interface.
package universe

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"orderflow/pkg/types"
)

// Candidate is one symbol as reported by a Source, pre-filter.
type Candidate struct {
	Classification types.Classification
	Score          float64
}

// Source discovers the current candidate universe. The scanner query
// itself is an external collaborator (out of scope); StaticSource and
// HTTPSource are the two concrete implementations wired here.
type Source interface {
	Fetch(ctx context.Context) ([]Candidate, error)
}

// StaticSource returns a fixed candidate list, for local runs and tests.
type StaticSource struct {
	Candidates []Candidate
}

// Fetch implements Source.
func (s StaticSource) Fetch(ctx context.Context) ([]Candidate, error) {
	return s.Candidates, nil
}

// NewStaticSource builds a StaticSource from bare symbols, classified
// Common with no further metadata, ranked in configured order.
func NewStaticSource(symbols []string) StaticSource {
	cands := make([]Candidate, len(symbols))
	for i, sym := range symbols {
		cands[i] = Candidate{
			Classification: types.Classification{Symbol: types.Symbol(sym), StockType: types.Common},
			Score:          float64(len(symbols) - i),
		}
	}
	return StaticSource{Candidates: cands}
}

// scannerRow is the JSON shape of one scanner-query result row.
type scannerRow struct {
	Symbol          string  `json:"symbol"`
	ContractID      int64   `json:"contract_id"`
	SecurityType    string  `json:"security_type"`
	PrimaryExchange string  `json:"primary_exchange"`
	Currency        string  `json:"currency"`
	StockType       string  `json:"stock_type"`
	LocalSymbol     string  `json:"local_symbol"`
	TradingClass    string  `json:"trading_class"`
	DollarVolume    float64 `json:"dollar_volume"`
}

// HTTPSource polls an external scanner query endpoint: a resty client
// with a bounded timeout and a couple of retries.
type HTTPSource struct {
	client   *resty.Client
	queryURL string
}

// NewHTTPSource builds an HTTPSource pointed at queryURL.
func NewHTTPSource(queryURL string) *HTTPSource {
	client := resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)
	return &HTTPSource{client: client, queryURL: queryURL}
}

// Fetch implements Source.
func (h *HTTPSource) Fetch(ctx context.Context) ([]Candidate, error) {
	var rows []scannerRow
	resp, err := h.client.R().
		SetContext(ctx).
		SetResult(&rows).
		Get(h.queryURL)
	if err != nil {
		return nil, fmt.Errorf("fetch scanner query: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch scanner query: status %d", resp.StatusCode())
	}

	cands := make([]Candidate, len(rows))
	for i, row := range rows {
		cands[i] = Candidate{
			Classification: types.Classification{
				Symbol:          types.Symbol(row.Symbol),
				ContractID:      row.ContractID,
				SecurityType:    row.SecurityType,
				PrimaryExchange: row.PrimaryExchange,
				Currency:        row.Currency,
				StockType:       stockTypeFromString(row.StockType),
				LocalSymbol:     row.LocalSymbol,
				TradingClass:    row.TradingClass,
			},
			Score: row.DollarVolume,
		}
	}
	return cands, nil
}

func stockTypeFromString(s string) types.StockType {
	switch s {
	case "Common":
		return types.Common
	case "ETF":
		return types.ETF
	case "ETN":
		return types.ETN
	case "Other":
		return types.Other
	default:
		return types.Unknown
	}
}
