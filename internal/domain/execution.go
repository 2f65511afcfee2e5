package domain

// ExecutionReport is the result of a simulated two-leg round trip
// (buy then sell a fixed test notional) against live routing.
type ExecutionReport struct {
	Executable       bool
	EffectiveCostPct float64 // max of buy/sell price impact, as a fraction
	BuyImpactPct     float64 // buy leg price impact, percent
	SellImpactPct    float64 // sell leg price impact, percent
	TokensReceived   uint64  // outAmount of the buy leg, base units
	BuyRoutes        int
	SellRoutes       int
	FailReason       string // empty when Executable
}
