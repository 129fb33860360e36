package domain

import "errors"

// ErrValuationNotFound is returned when no scan has priced the symbol yet.
var ErrValuationNotFound = errors.New("valuation not found")

// ReasonCode classifies why a valuation was rejected instead of priced.
type ReasonCode string

const (
	ReasonMissingData    ReasonCode = "MISSING_DATA"
	ReasonNegativeFCF    ReasonCode = "NEG_FCF"
	ReasonVolatileGrowth ReasonCode = "VOLATILE_GROWTH"
)

// Growth captures revenue growth derived from the fundamentals history.
type Growth struct {
	RevenueCAGR  float64   `json:"revenueCagr"`
	PeriodRates  []float64 `json:"periodRates,omitempty"`
	Volatility   float64   `json:"volatility"`
	UsingDefault bool      `json:"usingDefault,omitempty"`
}

// Margins captures operating and EBITDA margin statistics.
type Margins struct {
	Operating           *float64  `json:"operating"`
	OperatingVolatility float64   `json:"operatingVolatility"`
	OperatingSeries     []float64 `json:"operatingSeries,omitempty"`
	EBITDA              *float64  `json:"ebitda"`
	EBITDAVolatility    float64   `json:"ebitdaVolatility"`
	EBITDASeries        []float64 `json:"ebitdaSeries,omitempty"`
	UsingDefault        bool      `json:"usingDefault,omitempty"`
}

// Reinvestment captures the sales-to-capital derivation.
type Reinvestment struct {
	SalesToCapital float64 `json:"salesToCapital"`
	Deviation      float64 `json:"deviation"`
	Flagged        bool    `json:"flagged"`
	UsingDefault   bool    `json:"usingDefault,omitempty"`
}

// Taxes captures the effective tax rate derivation.
type Taxes struct {
	EffectiveRate float64 `json:"effectiveRate"`
	UsingDefault  bool    `json:"usingDefault,omitempty"`
}

// SharesProvenance records which share count the valuation uses.
type SharesProvenance string

const (
	SharesDiluted       SharesProvenance = "diluted"
	SharesBasicFallback SharesProvenance = "basic_fallback"
)

// Structure captures the balance-sheet shape of the company.
type Structure struct {
	NetDebt                 float64          `json:"netDebt"`
	SharesDiluted           float64          `json:"sharesDiluted"`
	SharesBasic             float64          `json:"sharesBasic"`
	SharesSource            SharesProvenance `json:"sharesSource"`
	WorkingCapital          float64          `json:"workingCapital"`
	PPE                     float64          `json:"ppe"`
	InvestedCapital         float64          `json:"investedCapital"`
	MinorityInterest        float64          `json:"minorityInterest"`
	PreferredEquity         float64          `json:"preferredEquity"`
	InvestmentsInAssociates float64          `json:"investmentsInAssociates"`
	CapexSignNegated        bool             `json:"capexSignNegated,omitempty"`
}

// Profitability captures NOPAT and return on invested capital.
type Profitability struct {
	NOPAT float64 `json:"nopat"`
	ROIC  float64 `json:"roic"`
}

// Controls aggregates the data-quality accounting for one symbol.
type Controls struct {
	DataQualityFlags    map[string]bool `json:"dataQualityFlags"`
	DataQualityScore    float64         `json:"dataQualityScore"`
	ReinvestmentFlagged bool            `json:"reinvestmentFlagged"`
	PeriodCount         int             `json:"periodCount"`
}

// DerivationArtifact is the full per-symbol derivation output, the sole
// input (besides market price) to the valuation.
type DerivationArtifact struct {
	Symbol        string        `json:"symbol"`
	Growth        Growth        `json:"growth"`
	Margins       Margins       `json:"margins"`
	Reinvestment  Reinvestment  `json:"reinvestment"`
	Taxes         Taxes         `json:"taxes"`
	Structure     Structure     `json:"structure"`
	Profitability Profitability `json:"profitability"`
	RevenueTTM    float64       `json:"revenueTtm"`
	Volatility    float64       `json:"volatility"`
	Controls      Controls      `json:"controls"`
}

// Valuation is either a priced result (Quality != "N/A") or a typed
// rejection. Rejections are normal results, never errors.
type Valuation struct {
	Symbol            string         `json:"symbol"`
	Quality           string         `json:"quality"`
	ReasonCode        ReasonCode     `json:"reasonCode,omitempty"`
	ReasonInputs      map[string]any `json:"reasonInputs,omitempty"`
	FairValuePerShare *float64       `json:"fairValuePerShare"`
	Upside            *float64       `json:"upside,omitempty"`
	WACC              float64        `json:"wacc,omitempty"`
	TerminalGrowth    float64        `json:"terminalGrowth,omitempty"`
	SensitivityLow    *float64       `json:"sensitivityLow,omitempty"`
	SensitivityHigh   *float64       `json:"sensitivityHigh,omitempty"`
	EnterpriseValue   float64        `json:"enterpriseValue,omitempty"`
	EquityValue       float64        `json:"equityValue,omitempty"`

	// UpsidePercentile ranks this symbol's upside against the rest of the
	// scan, in [0, 1]. Set by the ranking step, nil for rejections.
	UpsidePercentile *float64 `json:"upsidePercentile,omitempty"`
}

// Rejected reports whether the valuation is a typed N/A.
func (v *Valuation) Rejected() bool { return v.Quality == "N/A" }

// RejectedValuation builds the typed N/A result for a failed quality gate.
func RejectedValuation(symbol string, code ReasonCode, inputs map[string]any) *Valuation {
	return &Valuation{
		Symbol:       symbol,
		Quality:      "N/A",
		ReasonCode:   code,
		ReasonInputs: inputs,
	}
}
