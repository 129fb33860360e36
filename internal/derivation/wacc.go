package derivation

import (
	"strings"

	"github.com/ErlanBelekov/market-scanner/internal/numerics"
)

// Market carries the per-symbol market context the valuation needs on top
// of the derivation artifact.
type Market struct {
	Price     float64
	Currency  string // ISO code, e.g. "USD"
	Country   string // e.g. "United States"
	Beta      float64
	MarketCap float64
	CashYield float64
}

const (
	fallbackRiskFree       = 0.045
	fallbackTerminalGrowth = 0.02
	emergingTerminalGrowth = 0.025
	baseEquityRiskPremium  = 0.055
	fallbackTaxFloor       = 0.20
)

var riskFreeByCurrency = map[string]float64{
	"USD": 0.045,
	"EUR": 0.032,
	"GBP": 0.042,
	"JPY": 0.012,
	"CHF": 0.015,
	"CAD": 0.040,
	"AUD": 0.043,
	"SEK": 0.028,
	"NOK": 0.038,
	"DKK": 0.030,
}

// Emerging-market currencies carry a higher terminal growth assumption.
var emergingCurrencies = map[string]bool{
	"BRL": true, "INR": true, "IDR": true, "MXN": true,
	"TRY": true, "ZAR": true, "PLN": true, "THB": true,
}

var countryRiskPremium = map[string]float64{
	"United States":  0,
	"Canada":         0,
	"United Kingdom": 0.005,
	"Germany":        0,
	"France":         0.005,
	"Japan":          0.006,
	"Switzerland":    0,
	"Australia":      0,
	"Brazil":         0.030,
	"India":          0.025,
	"Indonesia":      0.025,
	"Mexico":         0.025,
	"Turkey":         0.050,
	"South Africa":   0.035,
	"Poland":         0.015,
	"China":          0.010,
}

var taxFloorByCountry = map[string]float64{
	"United States":  0.21,
	"United Kingdom": 0.25,
	"Germany":        0.30,
	"France":         0.25,
	"Japan":          0.30,
	"Ireland":        0.125,
	"Switzerland":    0.18,
	"Brazil":         0.34,
	"India":          0.25,
}

var taxFloorByCurrency = map[string]float64{
	"USD": 0.21,
	"EUR": 0.25,
	"GBP": 0.25,
	"JPY": 0.30,
	"CHF": 0.18,
}

func riskFree(currency string) float64 {
	if v, ok := riskFreeByCurrency[strings.ToUpper(currency)]; ok {
		return v
	}
	return fallbackRiskFree
}

func terminalGrowth(currency string) float64 {
	if emergingCurrencies[strings.ToUpper(currency)] {
		return emergingTerminalGrowth
	}
	return fallbackTerminalGrowth
}

// effectiveTax applies the country floor (currency as fallback) to the
// derived rate and clamps to [0.05, 0.4].
func effectiveTax(derived float64, m Market) float64 {
	floor, ok := taxFloorByCountry[m.Country]
	if !ok {
		floor, ok = taxFloorByCurrency[strings.ToUpper(m.Currency)]
	}
	if !ok {
		floor = fallbackTaxFloor
	}
	if derived < floor {
		derived = floor
	}
	return numerics.Clamp(derived, 0.05, 0.40)
}

// WACC computes the discount rate: risk-free plus beta-scaled equity risk
// premium plus a small-cap premium, less a bounded cash yield, clamped to
// [0.05, 0.18].
func WACC(m Market) float64 {
	erp := baseEquityRiskPremium + countryRiskPremium[m.Country]
	beta := numerics.Clamp(m.Beta, 0.2, 3)
	if m.Beta == 0 {
		beta = 1
	}

	var sizePremium float64
	switch {
	case m.MarketCap > 0 && m.MarketCap < 1e9:
		sizePremium = 0.02
	case m.MarketCap > 0 && m.MarketCap < 5e9:
		sizePremium = 0.01
	}

	cashYield := numerics.Clamp(m.CashYield, 0, 0.02)
	w := riskFree(m.Currency) + beta*erp + sizePremium - cashYield
	return numerics.Clamp(w, 0.05, 0.18)
}
