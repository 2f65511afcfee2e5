package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"token-outcome-lab/internal/domain"
	"token-outcome-lab/internal/observability"
	"token-outcome-lab/internal/retry"
	"token-outcome-lab/internal/solanaaddr"
)

// Default configuration values.
const (
	DefaultQuoteURL = "https://quote-api.jup.ag/v6"
	DefaultTimeout  = 30 * time.Second

	// WSOLMint is the wrapped SOL mint used as the quote currency.
	WSOLMint = "So11111111111111111111111111111111111111112"

	// defaultSlippageBps is the slippage tolerance requested per quote.
	defaultSlippageBps = 50

	lamportsPerSOL = 1_000_000_000
)

// JupiterSimulator implements Simulator against the Jupiter quote API.
type JupiterSimulator struct {
	quoteURL string
	client   *http.Client
	policy   retry.Policy
}

// JupiterOption configures JupiterSimulator.
type JupiterOption func(*JupiterSimulator)

// WithQuoteURL overrides the quote API base URL.
func WithQuoteURL(u string) JupiterOption {
	return func(s *JupiterSimulator) {
		s.quoteURL = u
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) JupiterOption {
	return func(s *JupiterSimulator) {
		s.client.Timeout = d
	}
}

// WithRetryPolicy sets the retry policy for quote calls.
func WithRetryPolicy(p retry.Policy) JupiterOption {
	return func(s *JupiterSimulator) {
		s.policy = p
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) JupiterOption {
	return func(s *JupiterSimulator) {
		s.client = client
	}
}

// NewJupiterSimulator creates a Jupiter-based execution simulator.
func NewJupiterSimulator(opts ...JupiterOption) *JupiterSimulator {
	s := &JupiterSimulator{
		quoteURL: DefaultQuoteURL,
		client:   &http.Client{Timeout: DefaultTimeout},
		policy:   retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compile-time interface check.
var _ Simulator = (*JupiterSimulator)(nil)

// quoteResponse is the subset of the quote API response we use.
// Numeric fields arrive as strings.
type quoteResponse struct {
	OutAmount      string            `json:"outAmount"`
	PriceImpactPct string            `json:"priceImpactPct"`
	RoutePlan      []json.RawMessage `json:"routePlan"`
}

// RoundTrip quotes WSOL->mint for the test notional, then mint->WSOL for
// the exact outAmount of the first leg. Effective cost is the worse of the
// two price impacts.
func (s *JupiterSimulator) RoundTrip(ctx context.Context, mint string, notionalSOL, maxSlippage float64) (*domain.ExecutionReport, error) {
	if err := solanaaddr.Validate(mint); err != nil {
		return nil, fmt.Errorf("round trip: %w", err)
	}
	if notionalSOL <= 0 {
		return nil, fmt.Errorf("round trip: non-positive notional %f", notionalSOL)
	}

	lamports := uint64(notionalSOL * lamportsPerSOL)

	// Leg 1: buy the token with the test notional.
	buy, err := s.quote(ctx, WSOLMint, mint, lamports)
	if err != nil {
		return nil, err
	}
	if buy == nil {
		return &domain.ExecutionReport{FailReason: "no buy route available"}, nil
	}

	tokensOut, buyImpact, err := parseQuote(buy)
	if err != nil {
		return nil, fmt.Errorf("buy quote: %w", err)
	}
	if tokensOut == 0 {
		return &domain.ExecutionReport{
			BuyImpactPct: buyImpact,
			BuyRoutes:    len(buy.RoutePlan),
			FailReason:   "buy quote returned zero tokens",
		}, nil
	}

	// Leg 2: sell the exact amount received.
	sell, err := s.quote(ctx, mint, WSOLMint, tokensOut)
	if err != nil {
		return nil, err
	}
	if sell == nil {
		return &domain.ExecutionReport{
			BuyImpactPct:   buyImpact,
			TokensReceived: tokensOut,
			BuyRoutes:      len(buy.RoutePlan),
			FailReason:     "no sell route available",
		}, nil
	}

	_, sellImpact, err := parseQuote(sell)
	if err != nil {
		return nil, fmt.Errorf("sell quote: %w", err)
	}

	effective := buyImpact
	if sellImpact > effective {
		effective = sellImpact
	}
	effective /= 100 // impacts are percentages, cost is a fraction

	report := &domain.ExecutionReport{
		Executable:       effective <= maxSlippage,
		EffectiveCostPct: effective,
		BuyImpactPct:     buyImpact,
		SellImpactPct:    sellImpact,
		TokensReceived:   tokensOut,
		BuyRoutes:        len(buy.RoutePlan),
		SellRoutes:       len(sell.RoutePlan),
	}
	if !report.Executable {
		report.FailReason = fmt.Sprintf("effective cost %.4f exceeds max %.4f", effective, maxSlippage)
	}
	return report, nil
}

// quote fetches one swap quote. Returns (nil, nil) when no route exists.
func (s *JupiterSimulator) quote(ctx context.Context, inputMint, outputMint string, amount uint64) (*quoteResponse, error) {
	params := url.Values{}
	params.Set("inputMint", inputMint)
	params.Set("outputMint", outputMint)
	params.Set("amount", strconv.FormatUint(amount, 10))
	params.Set("slippageBps", strconv.Itoa(defaultSlippageBps))
	params.Set("onlyDirectRoutes", "false")

	u := s.quoteURL + "/quote?" + params.Encode()

	var result *quoteResponse
	err := retry.Do(ctx, s.policy, IsTransient, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}

		start := time.Now()
		resp, err := s.client.Do(req)
		observability.RecordClientLatency("jupiter", time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("quote: %v: %w", err, ErrUnavailable)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("quote: read body: %v: %w", err, ErrUnavailable)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("quote: status %d: %w", resp.StatusCode, ErrUnavailable)
		default:
			// 4xx means no route for this pair/amount, not an outage.
			result = nil
			return nil
		}

		var q quoteResponse
		if err := json.Unmarshal(body, &q); err != nil {
			return fmt.Errorf("quote: decode response: %v: %w", err, ErrUnavailable)
		}
		result = &q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// parseQuote extracts outAmount and price impact from a quote.
func parseQuote(q *quoteResponse) (uint64, float64, error) {
	var out uint64
	if q.OutAmount != "" {
		v, err := strconv.ParseUint(q.OutAmount, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse outAmount %q: %v", q.OutAmount, err)
		}
		out = v
	}

	// Missing impact is treated as total loss, never as free.
	impact := 100.0
	if q.PriceImpactPct != "" {
		v, err := strconv.ParseFloat(q.PriceImpactPct, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse priceImpactPct %q: %v", q.PriceImpactPct, err)
		}
		impact = v
	}

	return out, impact, nil
}
