// Package scan wires the substrate into the concrete workflow the runner
// schedules: fetch the symbol universe, pull fundamentals and quotes through
// the cached client, derive and value every symbol, persist the results, and
// rank them cross-sectionally.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ErlanBelekov/market-scanner/internal/cycled"
	"github.com/ErlanBelekov/market-scanner/internal/derivation"
	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/fetch"
	"github.com/ErlanBelekov/market-scanner/internal/numerics"
	"github.com/ErlanBelekov/market-scanner/internal/repository"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Step names as registered with the cycled registry. Workflow nodes refer to
// steps by these names, never by function value.
const (
	StepFetchUniverse     = "scan.fetchUniverse"
	StepFetchFundamentals = "scan.fetchFundamentals"
	StepFetchQuotes       = "scan.fetchQuotes"
	StepDeriveAndValue    = "scan.deriveAndValue"
	StepPersistAndRank    = "scan.persistAndRank"
)

type Options struct {
	Exchange    string // default "US"
	MaxSymbols  int    // cap on universe size, default 500
	Concurrency int    // parallel symbol fetches per step, default 8
}

func (o *Options) withDefaults() {
	if o.Exchange == "" {
		o.Exchange = "US"
	}
	if o.MaxSymbols <= 0 {
		o.MaxSymbols = 500
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
}

// Pipeline holds one scan's working set between steps. The orchestrator runs
// steps one group at a time, so only the fan-out inside a step needs locking.
type Pipeline struct {
	client     *fetch.Client
	valuations repository.ValuationRepository
	logger     *slog.Logger
	opts       Options

	mu           sync.Mutex
	symbols      []string
	fundamentals map[string]*fundamentalsPayload
	quotes       map[string]*quotePayload
	results      []*domain.Valuation
}

func New(client *fetch.Client, valuations repository.ValuationRepository, logger *slog.Logger, opts Options) *Pipeline {
	opts.withDefaults()
	return &Pipeline{
		client:     client,
		valuations: valuations,
		logger:     logger,
		opts:       opts,
	}
}

// RegisterSteps binds every pipeline step into the registry.
func (p *Pipeline) RegisterSteps(reg *cycled.Registry) error {
	steps := map[string]cycled.StepFunc{
		StepFetchUniverse:     p.fetchUniverse,
		StepFetchFundamentals: p.fetchFundamentals,
		StepFetchQuotes:       p.fetchQuotes,
		StepDeriveAndValue:    p.deriveAndValue,
		StepPersistAndRank:    p.persistAndRank,
	}
	for name, fn := range steps {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// Workflow returns the node list the orchestrator executes each cycle. The
// two fetch steps share a parallel group; everything else is sequential.
func (p *Pipeline) Workflow() []domain.WorkflowNode {
	return []domain.WorkflowNode{
		{Name: "Fetch symbol universe", FunctionName: StepFetchUniverse, MaxAttempts: 3},
		{Name: "Fetch fundamentals", FunctionName: StepFetchFundamentals, ParallelGroup: "fetch", MaxAttempts: 2},
		{Name: "Fetch quotes", FunctionName: StepFetchQuotes, ParallelGroup: "fetch", MaxAttempts: 2},
		{Name: "Derive and value", FunctionName: StepDeriveAndValue, MaxAttempts: 1},
		{Name: "Persist and rank", FunctionName: StepPersistAndRank, MaxAttempts: 3},
	}
}

// Vendor payloads. Statement line items stay as loose maps: the derivation
// layer resolves ranked key aliases itself.

type symbolListing struct {
	Code string `json:"Code"`
	Type string `json:"Type"`
}

type quotePayload struct {
	Code  string  `json:"code"`
	Close float64 `json:"close"`
}

type generalPayload struct {
	CurrencyCode string  `json:"CurrencyCode"`
	CountryName  string  `json:"CountryName"`
	Beta         float64 `json:"Beta"`
	MarketCap    float64 `json:"MarketCapitalization"`
}

type statementSet struct {
	Yearly map[string]map[string]any `json:"yearly"`
}

type fundamentalsPayload struct {
	General    generalPayload `json:"General"`
	Financials struct {
		IncomeStatement statementSet `json:"Income_Statement"`
		CashFlow        statementSet `json:"Cash_Flow"`
		BalanceSheet    statementSet `json:"Balance_Sheet"`
	} `json:"Financials"`
}

// periods joins the three statements on fiscal date, newest-last order left
// to the derivation layer.
func (f *fundamentalsPayload) periods() []derivation.Period {
	dates := make(map[string]struct{})
	for d := range f.Financials.IncomeStatement.Yearly {
		dates[d] = struct{}{}
	}
	for d := range f.Financials.CashFlow.Yearly {
		dates[d] = struct{}{}
	}
	for d := range f.Financials.BalanceSheet.Yearly {
		dates[d] = struct{}{}
	}
	out := make([]derivation.Period, 0, len(dates))
	for d := range dates {
		ts := numerics.CoerceDate(d)
		if ts.IsZero() {
			continue
		}
		out = append(out, derivation.Period{
			Date:     ts,
			Income:   f.Financials.IncomeStatement.Yearly[d],
			CashFlow: f.Financials.CashFlow.Yearly[d],
			Balance:  f.Financials.BalanceSheet.Yearly[d],
		})
	}
	return out
}

func (f *fundamentalsPayload) market(price float64) derivation.Market {
	return derivation.Market{
		Price:     price,
		Currency:  f.General.CurrencyCode,
		Country:   f.General.CountryName,
		Beta:      f.General.Beta,
		MarketCap: f.General.MarketCap,
	}
}

func (p *Pipeline) fetchUniverse(ctx context.Context) (any, error) {
	var listings []symbolListing
	path := fmt.Sprintf("/exchange-symbol-list/%s", p.opts.Exchange)
	if err := p.client.Get(ctx, path, fetch.RequestOptions{Priority: fetch.PriorityHigh}, &listings); err != nil {
		return nil, fmt.Errorf("fetch universe: %w", err)
	}

	symbols := lo.FilterMap(listings, func(l symbolListing, _ int) (string, bool) {
		return l.Code, strings.EqualFold(l.Type, "Common Stock") && l.Code != ""
	})
	sort.Strings(symbols)
	if len(symbols) > p.opts.MaxSymbols {
		symbols = symbols[:p.opts.MaxSymbols]
	}

	p.mu.Lock()
	p.symbols = symbols
	p.fundamentals = make(map[string]*fundamentalsPayload, len(symbols))
	p.quotes = make(map[string]*quotePayload, len(symbols))
	p.results = nil
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "scan universe resolved",
		slog.String("exchange", p.opts.Exchange), slog.Int("symbols", len(symbols)))
	return len(symbols), nil
}

func (p *Pipeline) fetchFundamentals(ctx context.Context) (any, error) {
	symbols := p.snapshot()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, symbol := range symbols {
		g.Go(func() error {
			var payload fundamentalsPayload
			path := fmt.Sprintf("/fundamentals/%s", symbol)
			err := p.client.Get(gctx, path, fetch.RequestOptions{}, &payload)
			if err != nil {
				// A symbol without fundamentals is a data gap, not a
				// pipeline failure; it valuates to MISSING_DATA later.
				if fetch.IsNotFound(err) {
					p.logger.WarnContext(gctx, "no fundamentals for symbol", slog.String("symbol", symbol))
					return nil
				}
				return fmt.Errorf("fetch fundamentals %s: %w", symbol, err)
			}
			p.mu.Lock()
			p.fundamentals[symbol] = &payload
			p.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	n := len(p.fundamentals)
	p.mu.Unlock()
	return n, nil
}

func (p *Pipeline) fetchQuotes(ctx context.Context) (any, error) {
	symbols := p.snapshot()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, symbol := range symbols {
		g.Go(func() error {
			var quote quotePayload
			path := fmt.Sprintf("/real-time/%s", symbol)
			err := p.client.Get(gctx, path, fetch.RequestOptions{}, &quote)
			if err != nil {
				if fetch.IsNotFound(err) {
					p.logger.WarnContext(gctx, "no quote for symbol", slog.String("symbol", symbol))
					return nil
				}
				return fmt.Errorf("fetch quote %s: %w", symbol, err)
			}
			p.mu.Lock()
			p.quotes[symbol] = &quote
			p.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	n := len(p.quotes)
	p.mu.Unlock()
	return n, nil
}

func (p *Pipeline) deriveAndValue(ctx context.Context) (any, error) {
	symbols := p.snapshot()

	results := make([]*domain.Valuation, 0, len(symbols))
	var resultsMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, symbol := range symbols {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v := p.valueSymbol(symbol)
			resultsMu.Lock()
			results = append(results, v)
			resultsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Symbol < results[j].Symbol })
	p.mu.Lock()
	p.results = results
	p.mu.Unlock()

	priced := lo.CountBy(results, func(v *domain.Valuation) bool { return !v.Rejected() })
	p.logger.InfoContext(ctx, "scan valued",
		slog.Int("total", len(results)), slog.Int("priced", priced))
	return len(results), nil
}

// valueSymbol is pure computation over the fetched working set.
func (p *Pipeline) valueSymbol(symbol string) *domain.Valuation {
	p.mu.Lock()
	fund := p.fundamentals[symbol]
	quote := p.quotes[symbol]
	p.mu.Unlock()

	if fund == nil || quote == nil || quote.Close <= 0 {
		return domain.RejectedValuation(symbol, domain.ReasonMissingData, map[string]any{
			"hasFundamentals": fund != nil,
			"hasQuote":        quote != nil,
		})
	}
	artifact := derivation.Derive(symbol, fund.periods())
	return derivation.Value(artifact, fund.market(quote.Close), derivation.Options{})
}

func (p *Pipeline) persistAndRank(ctx context.Context) (any, error) {
	p.mu.Lock()
	results := p.results
	p.mu.Unlock()

	upsides := make([]float64, 0, len(results))
	for _, v := range results {
		if v.Upside != nil {
			upsides = append(upsides, *v.Upside)
		}
	}
	for _, v := range results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if v.Upside != nil {
			pct := numerics.Percentile(upsides, *v.Upside)
			v.UpsidePercentile = &pct
		}
		if err := p.valuations.Upsert(ctx, v); err != nil {
			return nil, fmt.Errorf("persist valuation %s: %w", v.Symbol, err)
		}
	}
	return len(results), nil
}

func (p *Pipeline) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.symbols
}
