package domain

// Sample is a single price observation. Live polls produce point samples
// (High == Low == Price); historical bars carry their full range so that a
// dip inside one bar is still visible to hysteresis tracking.
type Sample struct {
	TimestampMs int64
	Price       float64 // last/representative price at TimestampMs
	High        float64
	Low         float64
}

// PointSample builds a sample from a single observed price.
func PointSample(timestampMs int64, price float64) Sample {
	return Sample{
		TimestampMs: timestampMs,
		Price:       price,
		High:        price,
		Low:         price,
	}
}

// Bar represents one OHLC candle for a monitored token.
// Corresponds to the price_bars table in ClickHouse.
type Bar struct {
	TimestampMs int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
}

// Sample converts a bar into the sample fed to the state machine.
func (b Bar) Sample() Sample {
	return Sample{
		TimestampMs: b.TimestampMs,
		Price:       b.Close,
		High:        b.High,
		Low:         b.Low,
	}
}
