// Package derivation turns raw fundamentals history into a DerivationArtifact
// and prices it with a discounted-cash-flow model. Inputs arrive as loosely
// typed statement maps straight from the provider; extraction consults ranked
// key aliases because providers disagree on field names.
package derivation

import (
	"sort"
	"strconv"
	"time"

	"github.com/ErlanBelekov/market-scanner/internal/numerics"
)

// Period is one fiscal period's statements, keyed by provider field names.
type Period struct {
	Date     time.Time
	Income   map[string]any
	CashFlow map[string]any
	Balance  map[string]any
}

// Ranked alias lists per semantic field. First finite non-zero value wins.
var (
	revenueKeys      = []string{"totalRevenue", "revenue", "totalRevenues"}
	ebitKeys         = []string{"ebit", "operatingIncome"}
	ebitdaKeys       = []string{"ebitda"}
	capexKeys        = []string{"capitalExpenditures", "capitalExpenditure", "capex"}
	depreciationKeys = []string{"depreciationAndAmortization", "depreciationDepletionAndAmortization", "depreciation"}
	taxKeys          = []string{"incomeTaxExpense", "taxProvision"}
	pretaxKeys       = []string{"incomeBeforeTax", "pretaxIncome"}

	currentAssetsKeys      = []string{"totalCurrentAssets", "currentAssets"}
	currentLiabilitiesKeys = []string{"totalCurrentLiabilities", "currentLiabilities"}
	ppeKeys                = []string{"propertyPlantEquipment", "propertyPlantAndEquipmentNet"}
	cashKeys               = []string{"cashAndEquivalents", "cashAndShortTermInvestments", "cash"}
	totalDebtKeys          = []string{"totalDebt", "shortLongTermDebtTotal"}
	sharesDilutedKeys      = []string{"dilutedSharesOutstanding", "weightedAverageShsOutDil"}
	sharesBasicKeys        = []string{"commonStockSharesOutstanding", "weightedAverageShsOut"}
	minorityKeys           = []string{"minorityInterest", "noncontrollingInterestInConsolidatedEntity"}
	preferredKeys          = []string{"preferredStockTotalEquity", "preferredStock"}
	associatesKeys         = []string{"longTermInvestments", "investmentsInAssociates"}
)

// toFloat coerces provider values; statements mix numbers and numeric
// strings.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// pick returns the first finite non-zero value among the ranked aliases.
func pick(m map[string]any, keys []string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	for _, k := range keys {
		raw, ok := m[k]
		if !ok {
			continue
		}
		f, ok := toFloat(raw)
		if !ok || !numerics.IsFinite(f) || f == 0 {
			continue
		}
		return f, true
	}
	return 0, false
}

func (p Period) revenue() (float64, bool)  { return pick(p.Income, revenueKeys) }
func (p Period) ebit() (float64, bool)     { return pick(p.Income, ebitKeys) }
func (p Period) ebitda() (float64, bool)   { return pick(p.Income, ebitdaKeys) }
func (p Period) capex() (float64, bool)    { return pick(p.CashFlow, capexKeys) }
func (p Period) depAmort() (float64, bool) { return pick(p.CashFlow, depreciationKeys) }
func (p Period) tax() (float64, bool)      { return pick(p.Income, taxKeys) }
func (p Period) pretax() (float64, bool)   { return pick(p.Income, pretaxKeys) }

func (p Period) workingCapital() (float64, bool) {
	assets, okA := pick(p.Balance, currentAssetsKeys)
	liabilities, okL := pick(p.Balance, currentLiabilitiesKeys)
	if !okA || !okL {
		return 0, false
	}
	return assets - liabilities, true
}

// inferCapexSign votes across all periods once per company. Providers report
// capex either as a negative cash-flow line or as a positive outflow; the
// derivations want a positive outflow throughout. Returns the multiplier to
// apply and whether negation happened.
func inferCapexSign(periods []Period) (float64, bool) {
	var pos, neg int
	for _, p := range periods {
		v, ok := p.capex()
		if !ok {
			continue
		}
		if v > 0 {
			pos++
		} else if v < 0 {
			neg++
		}
	}
	if neg > pos {
		return -1, true
	}
	return 1, false
}

// revenuePoints builds the dated revenue series for TTM and growth math.
func revenuePoints(periods []Period) []numerics.Point {
	points := make([]numerics.Point, 0, len(periods))
	for _, p := range periods {
		v, ok := p.revenue()
		if !ok {
			continue
		}
		points = append(points, numerics.Point{Date: p.Date, Value: v})
	}
	return points
}

// sortPeriodsAsc orders periods oldest first; consecutive-pair derivations
// assume ascending dates.
func sortPeriodsAsc(periods []Period) []Period {
	out := make([]Period, len(periods))
	copy(out, periods)
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}
