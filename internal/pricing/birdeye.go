package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"token-outcome-lab/internal/domain"
	"token-outcome-lab/internal/observability"
	"token-outcome-lab/internal/retry"
	"token-outcome-lab/internal/solanaaddr"
)

// Default configuration values.
const (
	DefaultBaseURL     = "https://public-api.birdeye.so"
	DefaultTimeout     = 30 * time.Second
	DefaultBarInterval = "1m"

	// barIntervalMs is the span of one 1m bar.
	barIntervalMs = 60_000
)

// BirdeyeClient implements Source using the Birdeye public API.
type BirdeyeClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	policy  retry.Policy
}

// BirdeyeOption configures BirdeyeClient.
type BirdeyeOption func(*BirdeyeClient)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) BirdeyeOption {
	return func(c *BirdeyeClient) {
		c.baseURL = u
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) BirdeyeOption {
	return func(c *BirdeyeClient) {
		c.client.Timeout = d
	}
}

// WithRetryPolicy sets the retry policy for API calls.
func WithRetryPolicy(p retry.Policy) BirdeyeOption {
	return func(c *BirdeyeClient) {
		c.policy = p
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) BirdeyeOption {
	return func(c *BirdeyeClient) {
		c.client = client
	}
}

// NewBirdeyeClient creates a Birdeye price client.
func NewBirdeyeClient(apiKey string, opts ...BirdeyeOption) *BirdeyeClient {
	c := &BirdeyeClient{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: DefaultTimeout},
		policy:  retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile-time interface check.
var _ Source = (*BirdeyeClient)(nil)

// priceResponse is the /defi/price response envelope.
type priceResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Value          float64 `json:"value"`
		UpdateUnixTime int64   `json:"updateUnixTime"`
	} `json:"data"`
}

// ohlcvResponse is the /defi/ohlcv response envelope.
type ohlcvResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Items []ohlcvItem `json:"items"`
	} `json:"data"`
}

type ohlcvItem struct {
	UnixTime int64   `json:"unixTime"`
	Open     float64 `json:"o"`
	High     float64 `json:"h"`
	Low      float64 `json:"l"`
	Close    float64 `json:"c"`
}

// CurrentPrice returns the latest USD price for a mint.
func (c *BirdeyeClient) CurrentPrice(ctx context.Context, mint string) (float64, error) {
	if err := solanaaddr.Validate(mint); err != nil {
		return 0, fmt.Errorf("current price: %w", err)
	}

	params := url.Values{}
	params.Set("address", mint)

	var resp priceResponse
	if err := c.get(ctx, "/defi/price", params, &resp); err != nil {
		return 0, err
	}
	if !resp.Success || resp.Data.Value <= 0 {
		return 0, fmt.Errorf("price for %s: %w", mint, ErrUnavailable)
	}
	return resp.Data.Value, nil
}

// Bars returns OHLC bars within [fromMs, toMs], ordered by timestamp ASC.
func (c *BirdeyeClient) Bars(ctx context.Context, mint string, fromMs, toMs int64, interval string) ([]*domain.Bar, error) {
	if err := solanaaddr.Validate(mint); err != nil {
		return nil, fmt.Errorf("bars: %w", err)
	}
	if interval == "" {
		interval = DefaultBarInterval
	}

	params := url.Values{}
	params.Set("address", mint)
	params.Set("type", interval)
	params.Set("time_from", fmt.Sprintf("%d", fromMs/1000))
	params.Set("time_to", fmt.Sprintf("%d", toMs/1000))

	var resp ohlcvResponse
	if err := c.get(ctx, "/defi/ohlcv", params, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("ohlcv for %s: %w", mint, ErrUnavailable)
	}
	if len(resp.Data.Items) == 0 {
		return nil, ErrNoBars
	}

	bars := make([]*domain.Bar, 0, len(resp.Data.Items))
	for _, it := range resp.Data.Items {
		bars = append(bars, &domain.Bar{
			TimestampMs: it.UnixTime * 1000,
			Open:        it.Open,
			High:        it.High,
			Low:         it.Low,
			Close:       it.Close,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].TimestampMs < bars[j].TimestampMs })
	return bars, nil
}

// EntryPrice resolves the entry baseline for a call: the open of the 1m bar
// spanning T0, else the open of the earliest bar after T0.
func (c *BirdeyeClient) EntryPrice(ctx context.Context, call domain.Call) (float64, error) {
	// One bar of slack before T0, a few after, so late bar alignment
	// still covers the spanning candle.
	from := call.T0 - barIntervalMs
	to := call.T0 + 5*barIntervalMs

	bars, err := c.Bars(ctx, call.Mint, from, to, DefaultBarInterval)
	if err != nil {
		if IsTransient(err) {
			return 0, err
		}
		return 0, fmt.Errorf("entry price for %s: %w", call.CallID, ErrNoEntryPrice)
	}

	for _, b := range bars {
		if b.TimestampMs <= call.T0 && call.T0 < b.TimestampMs+barIntervalMs {
			if b.Open > 0 {
				return b.Open, nil
			}
		}
	}

	// Earliest reliable price after T0.
	for _, b := range bars {
		if b.TimestampMs >= call.T0 && b.Open > 0 {
			return b.Open, nil
		}
	}

	return 0, fmt.Errorf("entry price for %s: %w", call.CallID, ErrNoEntryPrice)
}

// get performs a GET request with retries and decodes the JSON response.
func (c *BirdeyeClient) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := c.baseURL + path + "?" + params.Encode()

	return retry.Do(ctx, c.policy, IsTransient, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		if c.apiKey != "" {
			req.Header.Set("X-API-KEY", c.apiKey)
		}

		start := time.Now()
		resp, err := c.client.Do(req)
		observability.RecordClientLatency("birdeye", time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("%s: %v: %w", path, err, ErrUnavailable)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%s: read body: %v: %w", path, err, ErrUnavailable)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			// fall through to decode
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%s: status %d: %w", path, resp.StatusCode, ErrUnavailable)
		default:
			// Client errors are not retried.
			return fmt.Errorf("%s: status %d", path, resp.StatusCode)
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%s: decode response: %v: %w", path, err, ErrUnavailable)
		}
		return nil
	})
}
