package derivation

import (
	"math"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/numerics"
)

const (
	defaultHorizon = 5

	minDataQualityScore = 0.7
	minOperatingMargin  = 0.07
	minSalesToCapital   = 0.5

	maxFairValue = 50000
)

// Options tune the DCF model. Zero value means defaults.
type Options struct {
	Horizon int
}

type projectedYear struct {
	revenue      float64
	nopat        float64
	reinvestment float64
	fcf          float64
}

type projection struct {
	years       []projectedYear
	clamped     int // years where reinvestment exceeded NOPAT
	negativeFCF int
	volatileYoY bool
}

// Value prices the artifact with a discounted-cash-flow model, or rejects
// with a typed reason. A rejection is a normal result, never an error.
func Value(a *domain.DerivationArtifact, m Market, opts Options) *domain.Valuation {
	horizon := opts.Horizon
	if horizon <= 0 {
		horizon = defaultHorizon
	}

	if a.Controls.DataQualityScore < minDataQualityScore {
		return domain.RejectedValuation(a.Symbol, domain.ReasonMissingData, map[string]any{
			"dataQualityScore": a.Controls.DataQualityScore,
			"flags":            a.Controls.DataQualityFlags,
		})
	}
	if a.RevenueTTM <= 0 {
		return domain.RejectedValuation(a.Symbol, domain.ReasonMissingData, map[string]any{
			"revenueTtm": a.RevenueTTM,
		})
	}
	if a.Structure.SharesDiluted <= 0 || m.Price <= 0 {
		return domain.RejectedValuation(a.Symbol, domain.ReasonMissingData, map[string]any{
			"sharesDiluted": a.Structure.SharesDiluted,
			"price":         m.Price,
		})
	}
	if a.Controls.ReinvestmentFlagged {
		return domain.RejectedValuation(a.Symbol, domain.ReasonNegativeFCF, map[string]any{
			"salesToCapital": a.Reinvestment.SalesToCapital,
			"deviation":      a.Reinvestment.Deviation,
		})
	}

	margin := defaultOperatingMargin
	if a.Margins.Operating != nil {
		margin = *a.Margins.Operating
	}
	if margin < minOperatingMargin || a.Reinvestment.SalesToCapital < minSalesToCapital {
		return domain.RejectedValuation(a.Symbol, domain.ReasonNegativeFCF, map[string]any{
			"operatingMargin": margin,
			"salesToCapital":  a.Reinvestment.SalesToCapital,
		})
	}

	wacc := WACC(m)
	tax := effectiveTax(a.Taxes.EffectiveRate, m)
	tg := terminalGrowth(m.Currency)

	proj := project(a.RevenueTTM, a.Growth.RevenueCAGR, margin, tax, a.Reinvestment.SalesToCapital, tg, horizon)

	if proj.clamped > 0 {
		return domain.RejectedValuation(a.Symbol, domain.ReasonNegativeFCF, map[string]any{
			"reinvestmentClampedYears": proj.clamped,
		})
	}
	if proj.negativeFCF >= (horizon+1)/2 {
		return domain.RejectedValuation(a.Symbol, domain.ReasonNegativeFCF, map[string]any{
			"negativeFcfYears": proj.negativeFCF,
			"horizon":          horizon,
		})
	}
	if proj.volatileYoY {
		return domain.RejectedValuation(a.Symbol, domain.ReasonVolatileGrowth, map[string]any{
			"revenueCagr": a.Growth.RevenueCAGR,
			"volatility":  a.Volatility,
		})
	}

	perShare, ev, equity, ok := presentValue(proj, a.Structure, wacc, tg)
	if !ok {
		return domain.RejectedValuation(a.Symbol, domain.ReasonNegativeFCF, map[string]any{
			"wacc":           wacc,
			"terminalGrowth": tg,
		})
	}

	fv := numerics.Clamp(perShare, 0, maxFairValue)
	upside := numerics.Clamp(fv/m.Price-1, -1, 5)
	low, high := sensitivity(a, margin, tax, wacc, tg, horizon)

	quality := "medium"
	if a.Controls.DataQualityScore >= 5.0/6 {
		quality = "high"
	}

	return &domain.Valuation{
		Symbol:            a.Symbol,
		Quality:           quality,
		FairValuePerShare: &fv,
		Upside:            &upside,
		WACC:              wacc,
		TerminalGrowth:    tg,
		SensitivityLow:    low,
		SensitivityHigh:   high,
		EnterpriseValue:   ev,
		EquityValue:       equity,
	}
}

// project rolls revenue forward over the horizon with a linear growth glide
// from 0.8x the historical CAGR down (or up) to the terminal rate.
func project(revenueTTM, cagr, margin, tax, salesToCapital, terminal float64, horizon int) projection {
	start := numerics.Clamp(cagr*0.8, -0.2, 0.3*0.8)

	p := projection{years: make([]projectedYear, 0, horizon)}
	revenue := revenueTTM
	prevFCF := math.NaN()
	for t := 0; t < horizon; t++ {
		g := start
		if horizon > 1 {
			g = start + (terminal-start)*float64(t)/float64(horizon-1)
		}
		deltaRev := revenue * g
		revenue += deltaRev

		ebit := revenue * margin
		nopat := ebit * (1 - tax)
		reinvestment := math.Max(0, deltaRev/salesToCapital)
		fcf := nopat - reinvestment
		if reinvestment > nopat {
			p.clamped++
			fcf = 0.9 * nopat
		}
		if fcf <= 0 {
			p.negativeFCF++
		}

		// Year-over-year FCF swings outside [0.5, 2.0] against a
		// non-negligible base mark the stream volatile.
		if !math.IsNaN(prevFCF) && math.Abs(prevFCF) > 0.01*math.Abs(nopat) {
			ratio := fcf / prevFCF
			if ratio < 0.5 || ratio > 2.0 {
				p.volatileYoY = true
			}
		}
		prevFCF = fcf

		p.years = append(p.years, projectedYear{
			revenue:      revenue,
			nopat:        nopat,
			reinvestment: reinvestment,
			fcf:          fcf,
		})
	}
	return p
}

// presentValue discounts the projected stream plus a Gordon terminal value
// and converts enterprise value to per-share equity.
func presentValue(p projection, s domain.Structure, wacc, terminal float64) (perShare, ev, equity float64, ok bool) {
	if wacc <= terminal || len(p.years) == 0 {
		return 0, 0, 0, false
	}

	factor := 1.0
	var pvFCF float64
	for _, y := range p.years {
		factor /= 1 + wacc
		pvFCF += y.fcf * factor
	}

	final := p.years[len(p.years)-1].fcf
	terminalValue := final * (1 + terminal) / (wacc - terminal)
	ev = pvFCF + terminalValue*factor

	equity = ev - s.NetDebt - s.MinorityInterest - s.PreferredEquity + s.InvestmentsInAssociates
	perShare = equity / math.Max(s.SharesDiluted, 1)
	return perShare, ev, equity, true
}

// sensitivity prices a 3x3 grid around the base wacc and terminal growth
// and reports the min/max of the valid cells.
func sensitivity(a *domain.DerivationArtifact, margin, tax, wacc, terminal float64, horizon int) (low, high *float64) {
	var values []float64
	for _, dw := range []float64{-0.01, 0, 0.01} {
		for _, dg := range []float64{-0.005, 0, 0.005} {
			w, g := wacc+dw, terminal+dg
			if w <= g {
				continue
			}
			proj := project(a.RevenueTTM, a.Growth.RevenueCAGR, margin, tax, a.Reinvestment.SalesToCapital, g, horizon)
			perShare, _, _, ok := presentValue(proj, a.Structure, w, g)
			if !ok {
				continue
			}
			values = append(values, numerics.Clamp(perShare, 0, maxFairValue))
		}
	}
	if len(values) == 0 {
		return nil, nil
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return &lo, &hi
}
