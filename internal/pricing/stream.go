package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"token-outcome-lab/internal/domain"
)

// StreamConfig configures websocket price stream behavior.
type StreamConfig struct {
	// ReconnectDelay is the initial delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is the maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is the interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is the timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is the timeout for writing messages.
	WriteTimeout time.Duration
	// Staleness is how long a streamed tick stays usable as a spot price.
	Staleness time.Duration
}

// DefaultStreamConfig returns the default stream configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		Staleness:         20 * time.Second,
	}
}

// tick is the last observed streamed price for one mint.
type tick struct {
	price      float64
	receivedMs int64
}

// Stream maintains a websocket subscription feed of spot prices per mint.
// On connection loss it reconnects with backoff and resubscribes every
// active mint.
type Stream struct {
	endpoint string
	config   StreamConfig

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	// mints holds active subscriptions for resubscription after reconnect.
	mints   map[string]struct{}
	mintsMu sync.Mutex

	ticks   map[string]tick
	ticksMu sync.RWMutex

	done chan struct{}
	wg   sync.WaitGroup
}

// subscribeMsg is the provider subscription request.
type subscribeMsg struct {
	Type string `json:"type"`
	Data struct {
		Address string `json:"address"`
	} `json:"data"`
}

// streamMsg is an inbound stream message.
type streamMsg struct {
	Type string `json:"type"`
	Data struct {
		Address  string  `json:"address"`
		Close    float64 `json:"c"`
		UnixTime int64   `json:"unixTime"`
	} `json:"data"`
}

// NewStream connects to the websocket endpoint and starts the read loop.
func NewStream(ctx context.Context, endpoint string, config *StreamConfig) (*Stream, error) {
	cfg := DefaultStreamConfig()
	if config != nil {
		cfg = *config
	}

	s := &Stream{
		endpoint: endpoint,
		config:   cfg,
		mints:    make(map[string]struct{}),
		ticks:    make(map[string]tick),
		done:     make(chan struct{}),
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()

	return s, nil
}

// connect dials the endpoint.
func (s *Stream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.config.WriteTimeout}
	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial price stream: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	return nil
}

// Subscribe starts streaming prices for a mint.
func (s *Stream) Subscribe(mint string) error {
	s.mintsMu.Lock()
	s.mints[mint] = struct{}{}
	s.mintsMu.Unlock()

	return s.sendSubscribe(mint)
}

// Unsubscribe stops tracking a mint. The provider-side subscription is
// dropped on the next reconnect.
func (s *Stream) Unsubscribe(mint string) {
	s.mintsMu.Lock()
	delete(s.mints, mint)
	s.mintsMu.Unlock()

	s.ticksMu.Lock()
	delete(s.ticks, mint)
	s.ticksMu.Unlock()
}

// sendSubscribe writes a subscription request to the current connection.
func (s *Stream) sendSubscribe(mint string) error {
	msg := subscribeMsg{Type: "SUBSCRIBE_PRICE"}
	msg.Data.Address = mint

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("price stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return s.conn.WriteJSON(msg)
}

// Last returns the most recent streamed price for a mint, or false when no
// tick has been received within the staleness window.
func (s *Stream) Last(mint string, nowMs int64) (float64, bool) {
	s.ticksMu.RLock()
	tk, ok := s.ticks[mint]
	s.ticksMu.RUnlock()
	if !ok {
		return 0, false
	}
	if nowMs-tk.receivedMs > s.config.Staleness.Milliseconds() {
		return 0, false
	}
	return tk.price, true
}

// readLoop reads messages and reconnects on failure until Close.
func (s *Stream) readLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			s.reconnect()
			continue
		}

		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.reconnect()
			continue
		}

		var msg streamMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type != "PRICE_DATA" || msg.Data.Address == "" || msg.Data.Close <= 0 {
			continue
		}

		s.ticksMu.Lock()
		s.ticks[msg.Data.Address] = tick{
			price:      msg.Data.Close,
			receivedMs: time.Now().UnixMilli(),
		}
		s.ticksMu.Unlock()
	}
}

// reconnect re-dials with backoff and resubscribes active mints.
func (s *Stream) reconnect() {
	delay := s.config.ReconnectDelay

	for {
		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
		err := s.connect(ctx)
		cancel()
		if err == nil {
			s.mintsMu.Lock()
			mints := make([]string, 0, len(s.mints))
			for m := range s.mints {
				mints = append(mints, m)
			}
			s.mintsMu.Unlock()

			for _, m := range mints {
				_ = s.sendSubscribe(m)
			}
			return
		}

		delay *= 2
		if delay > s.config.MaxReconnectDelay {
			delay = s.config.MaxReconnectDelay
		}
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (s *Stream) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn := s.conn
			s.connMu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			_ = conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

// Close shuts the stream down.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	s.wg.Wait()
	return nil
}

// StreamSource overlays a base Source with streamed spot prices: when the
// stream has a fresh tick for a mint, CurrentPrice is served from it
// without an HTTP round trip. Entry prices and bars always go to base.
type StreamSource struct {
	base   Source
	stream *Stream
}

// NewStreamSource wraps base with a websocket stream.
func NewStreamSource(base Source, stream *Stream) *StreamSource {
	return &StreamSource{base: base, stream: stream}
}

// Compile-time interface check.
var _ Source = (*StreamSource)(nil)

// Subscribe starts streaming prices for a mint.
func (s *StreamSource) Subscribe(mint string) error {
	return s.stream.Subscribe(mint)
}

// Unsubscribe stops streaming prices for a mint.
func (s *StreamSource) Unsubscribe(mint string) {
	s.stream.Unsubscribe(mint)
}

// CurrentPrice serves from the stream when fresh, else falls back to base.
func (s *StreamSource) CurrentPrice(ctx context.Context, mint string) (float64, error) {
	if price, ok := s.stream.Last(mint, time.Now().UnixMilli()); ok {
		return price, nil
	}
	return s.base.CurrentPrice(ctx, mint)
}

// EntryPrice delegates to the base source.
func (s *StreamSource) EntryPrice(ctx context.Context, call domain.Call) (float64, error) {
	return s.base.EntryPrice(ctx, call)
}

// Bars delegates to the base source.
func (s *StreamSource) Bars(ctx context.Context, mint string, fromMs, toMs int64, interval string) ([]*domain.Bar, error) {
	return s.base.Bars(ctx, mint, fromMs, toMs, interval)
}
