package derivation

import (
	"math"
	"testing"
	"time"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
)

func yearly(year int) time.Time {
	return time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC)
}

// periodsFromRevenues builds one period per revenue with a fixed healthy
// margin, tax, and balance-sheet shape.
func periodsFromRevenues(revenues ...float64) []Period {
	periods := make([]Period, 0, len(revenues))
	for i, rev := range revenues {
		periods = append(periods, Period{
			Date: yearly(2019 + i),
			Income: map[string]any{
				"totalRevenue":     rev,
				"operatingIncome":  rev * 0.20,
				"ebitda":           rev * 0.28,
				"incomeTaxExpense": rev * 0.04,
				"incomeBeforeTax":  rev * 0.16,
			},
			CashFlow: map[string]any{
				"capitalExpenditures":         -rev * 0.06,
				"depreciationAndAmortization": rev * 0.04,
			},
			Balance: map[string]any{
				"totalCurrentAssets":           rev * 0.30,
				"totalCurrentLiabilities":      rev * 0.20,
				"propertyPlantEquipment":       rev * 0.50,
				"cashAndEquivalents":           rev * 0.10,
				"totalDebt":                    rev * 0.15,
				"dilutedSharesOutstanding":     1e9,
				"commonStockSharesOutstanding": 0.95e9,
			},
		})
	}
	return periods
}

func healthyArtifact() *domain.DerivationArtifact {
	margin := 0.20
	return &domain.DerivationArtifact{
		Symbol:       "ACME",
		Growth:       domain.Growth{RevenueCAGR: 0.10},
		Margins:      domain.Margins{Operating: &margin},
		Reinvestment: domain.Reinvestment{SalesToCapital: 2.5},
		Taxes:        domain.Taxes{EffectiveRate: 0.25},
		Structure:    domain.Structure{SharesDiluted: 1e9, NetDebt: 5e9},
		RevenueTTM:   100e9,
		Controls:     domain.Controls{DataQualityScore: 1.0, PeriodCount: 5},
	}
}

func usMarket() Market {
	return Market{Price: 150, Currency: "USD", Country: "United States", Beta: 1.1, MarketCap: 2e12}
}

func TestDerive_CAGRClampedToBand(t *testing.T) {
	// Doubling revenue every year: raw CAGR 1.0, clamped to the band top.
	a := Derive("FAST", periodsFromRevenues(10, 20, 40, 80, 160, 320))
	if a.Growth.RevenueCAGR != 0.25 {
		t.Fatalf("CAGR = %v, want 0.25", a.Growth.RevenueCAGR)
	}

	// Halving revenue: raw CAGR -0.5, clamped to the band bottom.
	a = Derive("SLOW", periodsFromRevenues(320, 160, 80, 40, 20, 10))
	if a.Growth.RevenueCAGR != -0.2 {
		t.Fatalf("CAGR = %v, want -0.2", a.Growth.RevenueCAGR)
	}
}

func TestDerive_SinglePeriodDefaultsGrowth(t *testing.T) {
	a := Derive("ONE", periodsFromRevenues(100))
	if !a.Growth.UsingDefault || a.Growth.RevenueCAGR != defaultRevenueCAGR {
		t.Fatalf("growth = %+v, want default", a.Growth)
	}
	if !a.Controls.DataQualityFlags["usingDefaultRevenueGrowth"] {
		t.Fatal("default growth flag missing")
	}
	if !a.Controls.DataQualityFlags["fewerThan3Periods"] {
		t.Fatal("period count flag missing")
	}
}

func TestDerive_TaxRateClampedToBand(t *testing.T) {
	make5 := func(rate float64) []Period {
		periods := periodsFromRevenues(100, 110, 121, 133, 146)
		for i := range periods {
			pretax := 16.0
			periods[i].Income["incomeBeforeTax"] = pretax
			periods[i].Income["incomeTaxExpense"] = pretax * rate
		}
		return periods
	}

	if a := Derive("HI", make5(0.55)); a.Taxes.EffectiveRate != 0.35 {
		t.Fatalf("high tax clamped to %v, want 0.35", a.Taxes.EffectiveRate)
	}
	if a := Derive("LO", make5(0.05)); a.Taxes.EffectiveRate != 0.15 {
		t.Fatalf("low tax clamped to %v, want 0.15", a.Taxes.EffectiveRate)
	}
}

func TestDerive_CapexSignInferred(t *testing.T) {
	// Provider reports capex as negative cash-flow lines: the vote negates.
	a := Derive("NEG", periodsFromRevenues(100, 115, 132, 152, 175))
	if !a.Structure.CapexSignNegated {
		t.Fatal("negative-majority capex was not negated")
	}
	// With positive outflows reinvestment is computable, so no default.
	if a.Reinvestment.UsingDefault {
		t.Fatalf("reinvestment fell back to default: %+v", a.Reinvestment)
	}
	if a.Reinvestment.SalesToCapital < 1 || a.Reinvestment.SalesToCapital > 8 {
		t.Fatalf("sales-to-capital %v outside [1,8]", a.Reinvestment.SalesToCapital)
	}
}

func TestDerive_MissingEBITLeavesMarginNull(t *testing.T) {
	periods := periodsFromRevenues(100, 110, 121)
	for i := range periods {
		delete(periods[i].Income, "operatingIncome")
		delete(periods[i].Income, "ebitda")
	}
	a := Derive("NOM", periods)
	if a.Margins.Operating != nil {
		t.Fatalf("operating margin = %v, want nil", *a.Margins.Operating)
	}
	if !a.Controls.DataQualityFlags["usingDefaultMargin"] {
		t.Fatal("default margin flag missing")
	}
}

func TestDerive_SharesFallBackToBasic(t *testing.T) {
	periods := periodsFromRevenues(100, 110, 121)
	for i := range periods {
		delete(periods[i].Balance, "dilutedSharesOutstanding")
	}
	a := Derive("BASIC", periods)
	if a.Structure.SharesSource != domain.SharesBasicFallback {
		t.Fatalf("shares source = %s, want basic fallback", a.Structure.SharesSource)
	}
	if a.Structure.SharesDiluted != 0.95e9 {
		t.Fatalf("shares = %v, want basic count", a.Structure.SharesDiluted)
	}
}

func TestValue_SinglePeriodIsRejected(t *testing.T) {
	a := Derive("ONE", periodsFromRevenues(100))
	v := Value(a, usMarket(), Options{})
	if !v.Rejected() || v.ReasonCode != domain.ReasonMissingData {
		t.Fatalf("valuation = %+v, want MISSING_DATA rejection", v)
	}
	if v.FairValuePerShare != nil {
		t.Fatal("rejected valuation carries a fair value")
	}
}

func TestValue_LowQualityScoreRejected(t *testing.T) {
	a := healthyArtifact()
	a.Controls.DataQualityScore = 0.6
	v := Value(a, usMarket(), Options{})
	if !v.Rejected() || v.ReasonCode != domain.ReasonMissingData {
		t.Fatalf("valuation = %+v, want MISSING_DATA rejection", v)
	}
	if v.Quality != "N/A" || v.FairValuePerShare != nil {
		t.Fatalf("rejection shape wrong: %+v", v)
	}
}

func TestValue_ThinMarginRejectedAsNegativeFCF(t *testing.T) {
	a := healthyArtifact()
	thin := 0.05
	a.Margins.Operating = &thin
	v := Value(a, usMarket(), Options{})
	if !v.Rejected() || v.ReasonCode != domain.ReasonNegativeFCF {
		t.Fatalf("valuation = %+v, want NEG_FCF rejection", v)
	}
}

func TestValue_ReinvestmentFlagRejected(t *testing.T) {
	a := healthyArtifact()
	a.Controls.ReinvestmentFlagged = true
	v := Value(a, usMarket(), Options{})
	if !v.Rejected() || v.ReasonCode != domain.ReasonNegativeFCF {
		t.Fatalf("valuation = %+v, want NEG_FCF rejection", v)
	}
}

func TestValue_HealthyCompanyPriced(t *testing.T) {
	v := Value(healthyArtifact(), usMarket(), Options{})
	if v.Rejected() {
		t.Fatalf("healthy company rejected: %+v", v)
	}
	if v.Quality != "high" {
		t.Fatalf("quality = %s, want high", v.Quality)
	}
	if v.FairValuePerShare == nil || *v.FairValuePerShare <= 0 {
		t.Fatalf("fair value = %v, want positive", v.FairValuePerShare)
	}
	if v.SensitivityLow == nil || v.SensitivityHigh == nil {
		t.Fatal("sensitivity band missing")
	}
	if *v.SensitivityLow > *v.FairValuePerShare || *v.SensitivityHigh < *v.FairValuePerShare {
		t.Fatalf("fair value %v outside sensitivity band [%v, %v]",
			*v.FairValuePerShare, *v.SensitivityLow, *v.SensitivityHigh)
	}
	if v.Upside == nil || *v.Upside < -1 || *v.Upside > 5 {
		t.Fatalf("upside = %v, want clamped to [-1, 5]", v.Upside)
	}
}

func TestValue_SensitivityMonotone(t *testing.T) {
	a := healthyArtifact()
	structure := a.Structure
	proj := project(a.RevenueTTM, a.Growth.RevenueCAGR, 0.20, 0.25, a.Reinvestment.SalesToCapital, 0.02, 5)

	base, _, _, ok := presentValue(proj, structure, 0.10, 0.02)
	if !ok {
		t.Fatal("base valuation invalid")
	}

	// Higher discount rate never raises the fair value.
	higherWacc, _, _, ok := presentValue(proj, structure, 0.11, 0.02)
	if !ok || higherWacc > base {
		t.Fatalf("wacc +1%%: %v > base %v", higherWacc, base)
	}

	// Higher terminal growth (with wacc still above it) never lowers it.
	projUp := project(a.RevenueTTM, a.Growth.RevenueCAGR, 0.20, 0.25, a.Reinvestment.SalesToCapital, 0.025, 5)
	higherGrowth, _, _, ok := presentValue(projUp, structure, 0.10, 0.025)
	if !ok || higherGrowth < base {
		t.Fatalf("terminal growth +0.5%%: %v < base %v", higherGrowth, base)
	}
}

func TestPresentValue_RequiresWACCAboveTerminal(t *testing.T) {
	a := healthyArtifact()
	proj := project(a.RevenueTTM, 0.10, 0.20, 0.25, 2.5, 0.02, 5)
	if _, _, _, ok := presentValue(proj, a.Structure, 0.02, 0.02); ok {
		t.Fatal("wacc == terminal growth must be invalid")
	}
}

func TestWACC_Bands(t *testing.T) {
	// Extreme beta clamps to the WACC ceiling.
	high := WACC(Market{Currency: "USD", Country: "Turkey", Beta: 5, MarketCap: 5e8})
	if high != 0.18 {
		t.Fatalf("wacc = %v, want ceiling 0.18", high)
	}

	// Small caps carry a size premium over an otherwise identical large cap.
	small := WACC(Market{Currency: "USD", Country: "United States", Beta: 1, MarketCap: 5e8})
	large := WACC(Market{Currency: "USD", Country: "United States", Beta: 1, MarketCap: 1e11})
	if diff := small - large; math.Abs(diff-0.02) > 1e-12 {
		t.Fatalf("size premium = %v, want 0.02", diff)
	}
}

func TestEffectiveTax_FloorAndClamp(t *testing.T) {
	us := Market{Currency: "USD", Country: "United States"}
	if got := effectiveTax(0.10, us); got != 0.21 {
		t.Fatalf("tax = %v, want US floor 0.21", got)
	}
	if got := effectiveTax(0.50, us); got != 0.40 {
		t.Fatalf("tax = %v, want clamp 0.40", got)
	}
	unknown := Market{Currency: "XXX", Country: "Atlantis"}
	if got := effectiveTax(0.10, unknown); got != fallbackTaxFloor {
		t.Fatalf("tax = %v, want fallback floor %v", got, fallbackTaxFloor)
	}
}

func TestExtract_RankedAliasesAndStringValues(t *testing.T) {
	p := Period{
		Date: yearly(2024),
		Income: map[string]any{
			"totalRevenue": "0",      // zero: skipped
			"revenue":      "1234.5", // numeric string wins
		},
	}
	got, ok := p.revenue()
	if !ok || got != 1234.5 {
		t.Fatalf("revenue = %v (%v), want 1234.5", got, ok)
	}
}
