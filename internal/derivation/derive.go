package derivation

import (
	"math"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/numerics"
)

const (
	maxGrowthYears = 5

	defaultRevenueCAGR     = 0.05
	defaultTaxRate         = 0.25
	defaultSalesToCapital  = 2.5
	defaultOperatingMargin = 0.10

	trimFraction = 0.20
)

// Derive builds the full per-symbol artifact from fundamentals history.
// It never fails: missing inputs degrade into defaults recorded as
// data-quality flags, which the valuation gates later.
func Derive(symbol string, periods []Period) *domain.DerivationArtifact {
	periods = sortPeriodsAsc(periods)
	capexSign, capexNegated := inferCapexSign(periods)

	flags := map[string]bool{}
	growth := deriveGrowth(periods, flags)
	margins := deriveMargins(periods, flags)
	reinvest := deriveSalesToCapital(periods, capexSign, flags)
	taxes := deriveTaxes(periods, flags)
	structure := deriveStructure(periods, capexNegated, flags)

	ttm, _ := numerics.TTM(revenuePoints(periods))

	// NOPAT and ROIC off the most recent period with an EBIT.
	var prof domain.Profitability
	for i := len(periods) - 1; i >= 0; i-- {
		if ebit, ok := periods[i].ebit(); ok {
			prof.NOPAT = ebit * (1 - taxes.EffectiveRate)
			prof.ROIC = numerics.SafeDiv(prof.NOPAT, structure.InvestedCapital, 0)
			break
		}
	}

	if len(periods) < 3 {
		flags["fewerThan3Periods"] = true
	}
	var defaults int
	for _, on := range flags {
		if on {
			defaults++
		}
	}

	return &domain.DerivationArtifact{
		Symbol:        symbol,
		Growth:        growth,
		Margins:       margins,
		Reinvestment:  reinvest,
		Taxes:         taxes,
		Structure:     structure,
		Profitability: prof,
		RevenueTTM:    ttm,
		Volatility:    growth.Volatility,
		Controls: domain.Controls{
			DataQualityFlags:    flags,
			DataQualityScore:    1 - float64(defaults)/6,
			ReinvestmentFlagged: reinvest.Flagged,
			PeriodCount:         len(periods),
		},
	}
}

// deriveGrowth computes the revenue CAGR as the geometric mean of consecutive
// growth factors over the last maxGrowthYears, minus one.
func deriveGrowth(periods []Period, flags map[string]bool) domain.Growth {
	var revenues []float64
	for _, p := range periods {
		if v, ok := p.revenue(); ok {
			revenues = append(revenues, v)
		}
	}
	if len(revenues) < 2 {
		flags["usingDefaultRevenueGrowth"] = true
		return domain.Growth{RevenueCAGR: defaultRevenueCAGR, UsingDefault: true}
	}
	if len(revenues) > maxGrowthYears+1 {
		revenues = revenues[len(revenues)-(maxGrowthYears+1):]
	}

	var factors, rates []float64
	for i := 1; i < len(revenues); i++ {
		factor := numerics.SafeDiv(revenues[i], revenues[i-1], 0)
		if factor <= 0 {
			continue
		}
		factors = append(factors, factor)
		rates = append(rates, factor-1)
	}
	if len(factors) == 0 {
		flags["usingDefaultRevenueGrowth"] = true
		return domain.Growth{RevenueCAGR: defaultRevenueCAGR, UsingDefault: true}
	}

	cagr := numerics.GeometricMean(factors) - 1
	return domain.Growth{
		RevenueCAGR: numerics.Clamp(cagr, -0.2, 0.25),
		PeriodRates: rates,
		Volatility:  numerics.StdDev(rates),
	}
}

// deriveMargins computes trimmed-mean operating and EBITDA margins over
// per-period ratios in (0,1).
func deriveMargins(periods []Period, flags map[string]bool) domain.Margins {
	var operating, ebitda []float64
	for _, p := range periods {
		rev, ok := p.revenue()
		if !ok || rev <= 0 {
			continue
		}
		if ebit, ok := p.ebit(); ok {
			if r := ebit / rev; r > 0 && r < 1 {
				operating = append(operating, r)
			}
		}
		if e, ok := p.ebitda(); ok {
			if r := e / rev; r > 0 && r < 1 {
				ebitda = append(ebitda, r)
			}
		}
	}

	m := domain.Margins{
		OperatingSeries: operating,
		EBITDASeries:    ebitda,
	}
	if len(operating) > 0 {
		v := numerics.Clamp(numerics.TrimmedMean(operating, trimFraction), 0.05, 0.30)
		m.Operating = &v
		m.OperatingVolatility = numerics.StdDev(operating)
	}
	if len(ebitda) > 0 {
		v := numerics.Clamp(numerics.TrimmedMean(ebitda, trimFraction), 0.05, 0.45)
		m.EBITDA = &v
		m.EBITDAVolatility = numerics.StdDev(ebitda)
	}
	if m.Operating == nil {
		flags["usingDefaultMargin"] = true
		m.UsingDefault = true
	}
	return m
}

// deriveSalesToCapital relates revenue growth to the reinvestment that
// funded it, per consecutive period pair.
func deriveSalesToCapital(periods []Period, capexSign float64, flags map[string]bool) domain.Reinvestment {
	var ratios, deviations []float64
	for i := 1; i < len(periods); i++ {
		prev, curr := periods[i-1], periods[i]
		revPrev, okA := prev.revenue()
		revCurr, okB := curr.revenue()
		if !okA || !okB {
			continue
		}
		deltaRev := revCurr - revPrev
		if deltaRev <= 0 {
			continue
		}

		capex, okCapex := curr.capex()
		if !okCapex {
			continue
		}
		capex *= capexSign
		da, _ := curr.depAmort()

		var deltaWC float64
		if wcPrev, ok := prev.workingCapital(); ok {
			if wcCurr, ok := curr.workingCapital(); ok {
				deltaWC = wcCurr - wcPrev
			}
		}

		reinvestment := capex - math.Abs(da) + math.Max(0, deltaWC)
		if reinvestment <= 0 {
			continue
		}
		ratio := deltaRev / reinvestment
		if ratio > 0 && ratio < 20 {
			ratios = append(ratios, ratio)
		}

		// How far reinvestment strays from the balance-sheet capital build.
		icPrev, okP := investedCapital(prev)
		icCurr, okC := investedCapital(curr)
		if okP && okC && icPrev > 0 {
			deviations = append(deviations, math.Abs(reinvestment-(icCurr-icPrev))/icPrev)
		}
	}

	if len(ratios) == 0 {
		flags["usingDefaultSalesToCapital"] = true
		return domain.Reinvestment{
			SalesToCapital: defaultSalesToCapital,
			Flagged:        true,
			UsingDefault:   true,
		}
	}

	out := domain.Reinvestment{
		SalesToCapital: numerics.Clamp(numerics.Mean(ratios), 1, 8),
		Deviation:      numerics.Mean(deviations),
	}
	if out.Deviation > 0.25 {
		out.Flagged = true
	}
	return out
}

func investedCapital(p Period) (float64, bool) {
	ppe, okPPE := pick(p.Balance, ppeKeys)
	wc, okWC := p.workingCapital()
	if !okPPE && !okWC {
		return 0, false
	}
	return ppe + wc, true
}

// deriveTaxes computes the effective rate as a trimmed mean of per-period
// tax over pre-tax income, keeping ratios in (0, 0.6].
func deriveTaxes(periods []Period, flags map[string]bool) domain.Taxes {
	var rates []float64
	for _, p := range periods {
		tax, okT := p.tax()
		pretax, okP := p.pretax()
		if !okT || !okP || pretax <= 0 {
			continue
		}
		if r := tax / pretax; r > 0 && r <= 0.6 {
			rates = append(rates, r)
		}
	}
	if len(rates) == 0 {
		flags["usingDefaultTaxRate"] = true
		return domain.Taxes{EffectiveRate: defaultTaxRate, UsingDefault: true}
	}
	return domain.Taxes{
		EffectiveRate: numerics.Clamp(numerics.TrimmedMean(rates, trimFraction), 0.15, 0.35),
	}
}

// deriveStructure extracts the balance-sheet shape from the most recent
// period carrying each field.
func deriveStructure(periods []Period, capexNegated bool, flags map[string]bool) domain.Structure {
	s := domain.Structure{CapexSignNegated: capexNegated}

	latest := func(keys []string) float64 {
		for i := len(periods) - 1; i >= 0; i-- {
			if v, ok := pick(periods[i].Balance, keys); ok {
				return v
			}
		}
		return 0
	}

	cash := latest(cashKeys)
	s.NetDebt = latest(totalDebtKeys) - cash
	s.MinorityInterest = latest(minorityKeys)
	s.PreferredEquity = latest(preferredKeys)
	s.InvestmentsInAssociates = latest(associatesKeys)
	s.PPE = latest(ppeKeys)

	for i := len(periods) - 1; i >= 0; i-- {
		if wc, ok := periods[i].workingCapital(); ok {
			s.WorkingCapital = wc
			break
		}
	}
	s.InvestedCapital = s.PPE + s.WorkingCapital

	s.SharesDiluted = latest(sharesDilutedKeys)
	s.SharesBasic = latest(sharesBasicKeys)
	s.SharesSource = domain.SharesDiluted
	if s.SharesDiluted <= 0 && s.SharesBasic > 0 {
		s.SharesDiluted = s.SharesBasic
		s.SharesSource = domain.SharesBasicFallback
		flags["usingFallbackShares"] = true
	}
	return s
}
