package marketdata

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	dialTimeout          = 30 * time.Second
	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

// QuoteHandler receives each quote read from the stream.
type QuoteHandler func(Quote)

// QuoteStream is a reconnecting websocket client for live price updates.
type QuoteStream struct {
	url        string
	httpClient *http.Client
	handler    QuoteHandler
	log        zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	cancelRead context.CancelFunc
	stopChan   chan struct{}
	stopped    bool
}

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// The websocket upgrade handshake requires HTTP/1.1; fronting proxies
// otherwise negotiate HTTP/2 via TLS ALPN and the dial fails.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewQuoteStream creates a quote stream client. handler is invoked from the
// read loop goroutine for every received quote.
func NewQuoteStream(url string, handler QuoteHandler, log zerolog.Logger) *QuoteStream {
	return &QuoteStream{
		url:        url,
		httpClient: createHTTP1Client(),
		handler:    handler,
		log:        log.With().Str("component", "quote_stream").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// Start connects and begins reading. A failed initial connection is retried
// in the background rather than failing startup.
func (qs *QuoteStream) Start() error {
	qs.log.Info().Str("url", qs.url).Msg("Starting quote stream")

	if err := qs.connect(); err != nil {
		qs.log.Warn().Err(err).Msg("Initial stream connection failed, will retry in background")
		go qs.reconnectLoop()
		return err
	}
	return nil
}

// Stop closes the connection and halts reconnection. Idempotent.
func (qs *QuoteStream) Stop() {
	qs.mu.Lock()
	if qs.stopped {
		qs.mu.Unlock()
		return
	}
	qs.stopped = true
	close(qs.stopChan)
	conn := qs.conn
	cancel := qs.cancelRead
	qs.conn = nil
	qs.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	qs.log.Info().Msg("Quote stream stopped")
}

func (qs *QuoteStream) connect() error {
	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, qs.url, &websocket.DialOptions{
		HTTPClient: qs.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial quote stream: %w", err)
	}

	readCtx, readCancel := context.WithCancel(context.Background())

	qs.mu.Lock()
	qs.conn = conn
	qs.cancelRead = readCancel
	qs.mu.Unlock()

	go qs.readMessages(readCtx, conn)
	qs.log.Info().Msg("Quote stream connected")
	return nil
}

func (qs *QuoteStream) readMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			qs.mu.Lock()
			stopped := qs.stopped
			qs.mu.Unlock()
			if stopped {
				return
			}
			qs.log.Warn().Err(err).Msg("Stream read failed, reconnecting")
			go qs.reconnectLoop()
			return
		}

		var quote Quote
		if err := json.Unmarshal(data, &quote); err != nil {
			qs.log.Warn().Err(err).Msg("Failed to parse stream message")
			continue
		}
		if quote.Symbol == "" || quote.Price <= 0 {
			continue
		}
		if qs.handler != nil {
			qs.handler(quote)
		}
	}
}

// reconnectLoop retries with exponential backoff until connected, stopped,
// or the attempt budget is exhausted.
func (qs *QuoteStream) reconnectLoop() {
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		delay := time.Duration(math.Min(
			float64(baseReconnectDelay)*math.Pow(2, float64(attempt)),
			float64(maxReconnectDelay),
		))

		select {
		case <-qs.stopChan:
			return
		case <-time.After(delay):
		}

		qs.mu.Lock()
		stopped := qs.stopped
		qs.mu.Unlock()
		if stopped {
			return
		}

		if err := qs.connect(); err != nil {
			qs.log.Warn().Err(err).Int("attempt", attempt+1).Msg("Stream reconnect failed")
			continue
		}
		return
	}
	qs.log.Error().Msg("Quote stream reconnect attempts exhausted")
}
