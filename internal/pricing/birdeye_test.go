package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"token-outcome-lab/internal/domain"
	"token-outcome-lab/internal/retry"
)

const testMint = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func newTestClient(url string) *BirdeyeClient {
	return NewBirdeyeClient("test-key", WithBaseURL(url), WithRetryPolicy(fastPolicy()))
}

func TestCurrentPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/defi/price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-API-KEY"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		if got := r.URL.Query().Get("address"); got != testMint {
			t.Errorf("address = %q", got)
		}
		fmt.Fprint(w, `{"success":true,"data":{"value":0.00042,"updateUnixTime":1700000000}}`)
	}))
	defer server.Close()

	price, err := newTestClient(server.URL).CurrentPrice(context.Background(), testMint)
	if err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if price != 0.00042 {
		t.Errorf("price = %f, want 0.00042", price)
	}
}

// clientLatencySamples reads the recorded request count for one client from
// the process-wide metrics registry.
func clientLatencySamples(t *testing.T, client string) uint64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "token_outcome_lab_client_request_latency_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "client" && l.GetValue() == client {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func TestCurrentPriceRecordsLatency(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"data":{"value":1.0}}`)
	}))
	defer server.Close()

	before := clientLatencySamples(t, "birdeye")
	if _, err := newTestClient(server.URL).CurrentPrice(context.Background(), testMint); err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if after := clientLatencySamples(t, "birdeye"); after != before+1 {
		t.Errorf("latency samples = %d, want %d", after, before+1)
	}
}

func TestCurrentPriceInvalidMint(t *testing.T) {
	if _, err := newTestClient("http://unused").CurrentPrice(context.Background(), "not-a-mint"); err == nil {
		t.Error("expected error for invalid mint")
	}
}

func TestCurrentPriceRetriesServerError(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"success":true,"data":{"value":1.5}}`)
	}))
	defer server.Close()

	price, err := newTestClient(server.URL).CurrentPrice(context.Background(), testMint)
	if err != nil {
		t.Fatalf("CurrentPrice after retries: %v", err)
	}
	if price != 1.5 {
		t.Errorf("price = %f, want 1.5", price)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestCurrentPriceClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).CurrentPrice(context.Background(), testMint)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Errorf("4xx must be permanent, got transient %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want no retries on 4xx", calls.Load())
	}
}

func ohlcvServer(t *testing.T, items string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/defi/ohlcv" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprintf(w, `{"success":true,"data":{"items":%s}}`, items)
	}))
}

func TestBarsSortedAscending(t *testing.T) {
	server := ohlcvServer(t, `[
		{"unixTime":180,"o":3,"h":4,"l":2,"c":3.5},
		{"unixTime":60,"o":1,"h":2,"l":0.5,"c":1.5},
		{"unixTime":120,"o":2,"h":3,"l":1,"c":2.5}
	]`)
	defer server.Close()

	bars, err := newTestClient(server.URL).Bars(context.Background(), testMint, 0, 300_000, "1m")
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("bar count = %d, want 3", len(bars))
	}
	if bars[0].TimestampMs != 60_000 || bars[2].TimestampMs != 180_000 {
		t.Errorf("bars not sorted: first=%d last=%d", bars[0].TimestampMs, bars[2].TimestampMs)
	}
	if bars[0].High != 2 || bars[0].Low != 0.5 {
		t.Errorf("bar range = %f/%f, want 2/0.5", bars[0].High, bars[0].Low)
	}
}

func TestBarsEmpty(t *testing.T) {
	server := ohlcvServer(t, `[]`)
	defer server.Close()

	_, err := newTestClient(server.URL).Bars(context.Background(), testMint, 0, 300_000, "1m")
	if !errors.Is(err, ErrNoBars) {
		t.Errorf("expected ErrNoBars, got %v", err)
	}
}

func TestEntryPriceSpanningBar(t *testing.T) {
	// T0 = 90s falls inside the bar opening at 60s.
	server := ohlcvServer(t, `[
		{"unixTime":60,"o":1.25,"h":2,"l":1,"c":1.5},
		{"unixTime":120,"o":1.5,"h":2,"l":1,"c":1.8}
	]`)
	defer server.Close()

	call := domain.Call{CallID: "c1", Mint: testMint, T0: 90_000}
	entry, err := newTestClient(server.URL).EntryPrice(context.Background(), call)
	if err != nil {
		t.Fatalf("EntryPrice: %v", err)
	}
	if entry != 1.25 {
		t.Errorf("entry = %f, want the spanning bar's open 1.25", entry)
	}
}

func TestEntryPriceFallsBackToFirstBarAfterT0(t *testing.T) {
	// No bar spans T0 = 90s; the earliest bar at or after it is used.
	server := ohlcvServer(t, `[
		{"unixTime":180,"o":2.5,"h":3,"l":2,"c":2.8},
		{"unixTime":240,"o":2.8,"h":3,"l":2,"c":2.9}
	]`)
	defer server.Close()

	call := domain.Call{CallID: "c1", Mint: testMint, T0: 90_000}
	entry, err := newTestClient(server.URL).EntryPrice(context.Background(), call)
	if err != nil {
		t.Fatalf("EntryPrice: %v", err)
	}
	if entry != 2.5 {
		t.Errorf("entry = %f, want first bar after T0", entry)
	}
}

func TestEntryPriceNoneAvailable(t *testing.T) {
	server := ohlcvServer(t, `[]`)
	defer server.Close()

	call := domain.Call{CallID: "c1", Mint: testMint, T0: 90_000}
	_, err := newTestClient(server.URL).EntryPrice(context.Background(), call)
	if !errors.Is(err, ErrNoEntryPrice) {
		t.Errorf("expected ErrNoEntryPrice, got %v", err)
	}
}

func TestEntryPriceTransientFailurePropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	call := domain.Call{CallID: "c1", Mint: testMint, T0: 90_000}
	_, err := newTestClient(server.URL).EntryPrice(context.Background(), call)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, ErrNoEntryPrice) {
		t.Error("a provider outage must not be conflated with a missing baseline")
	}
}
