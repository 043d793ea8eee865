package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/cryptonhq/crypton/internal/platform/domain"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Live reconnection tuning.
const (
	liveBaseReconnectDelay = 5 * time.Second
	liveMaxReconnectDelay  = 5 * time.Minute
	liveDialTimeout        = 30 * time.Second
)

// tickMessage is the wire shape of one market-data push frame. The
// frame shape is deliberately minimal and opaque — just enough to
// drive the Adapter contract, not a faithful reproduction of any real
// exchange's protocol.
type tickMessage struct {
	Asset string  `json:"asset"`
	Bid   float64 `json:"bid"`
	Ask   float64 `json:"ask"`
}

// Live is the live-trading Adapter: a REST client for order placement
// plus a reconnecting WebSocket feed for market data.
type Live struct {
	log        zerolog.Logger
	httpClient *http.Client
	wsURL      string
	restURL    string
	apiKey     string

	mu           sync.RWMutex
	conn         *websocket.Conn
	rateLimited  bool
	rateLimitEnd time.Time
}

// NewLive constructs a Live adapter. wsURL/restURL/apiKey are always
// sourced from internal/platform/config — never hard-coded hosts or
// keys.
func NewLive(log zerolog.Logger, wsURL, restURL, apiKey string) *Live {
	return &Live{
		log:        log.With().Str("component", "live_adapter").Logger(),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		wsURL:      wsURL,
		restURL:    restURL,
		apiKey:     apiKey,
	}
}

func (l *Live) SubscribeMarketData(ctx context.Context, assets []domain.Asset, cb TickCallback) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	go l.readLoop(subCtx, assets, cb)
	return cancel, nil
}

func (l *Live) readLoop(ctx context.Context, assets []domain.Asset, cb TickCallback) {
	delay := liveBaseReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := l.dial(ctx, assets)
		if err != nil {
			l.log.Warn().Err(err).Dur("retry_in", delay).Msg("live market data connect failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = nextBackoff(delay)
			continue
		}
		delay = liveBaseReconnectDelay

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		l.readMessages(ctx, conn, cb)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := time.Duration(math.Min(float64(cur)*2, float64(liveMaxReconnectDelay)))
	return next
}

type subscribeMessage struct {
	Op     string   `json:"op"`
	Assets []string `json:"assets"`
}

func (l *Live) dial(ctx context.Context, assets []domain.Asset) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, liveDialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, l.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("live: dial: %w", err)
	}

	names := make([]string, len(assets))
	for i, a := range assets {
		names[i] = string(a)
	}
	sub, err := json.Marshal(subscribeMessage{Op: "subscribe", Assets: names})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal subscribe")
		return nil, fmt.Errorf("live: marshal subscribe: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe write failed")
		return nil, fmt.Errorf("live: send subscribe: %w", err)
	}
	return conn, nil
}

func (l *Live) readMessages(ctx context.Context, conn *websocket.Conn, cb TickCallback) {
	defer conn.Close(websocket.StatusNormalClosure, "done")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn().Err(err).Msg("live market data read failed, reconnecting")
			return
		}
		var msg tickMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		cb(Snapshot{Asset: domain.Asset(msg.Asset), Bid: msg.Bid, Ask: msg.Ask, Timestamp: time.Now().UTC()})
	}
}

func (l *Live) PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	if l.IsRateLimited() {
		return Ack{}, fmt.Errorf("live: rate limited until %s", l.RateLimitResumesAt())
	}
	resp, err := l.doREST(ctx, http.MethodPost, "/orders", req)
	if err != nil {
		return Ack{}, err
	}
	var ack Ack
	if err := json.Unmarshal(resp, &ack); err != nil {
		return Ack{}, fmt.Errorf("live: decode ack: %w", err)
	}
	return ack, nil
}

func (l *Live) CancelOrder(ctx context.Context, exchangeOrderID string) (CancelResult, error) {
	resp, err := l.doREST(ctx, http.MethodPost, "/orders/"+exchangeOrderID+"/cancel", nil)
	if err != nil {
		return CancelResult{}, err
	}
	var result CancelResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return CancelResult{}, fmt.Errorf("live: decode cancel result: %w", err)
	}
	return result, nil
}

func (l *Live) GetOrderStatus(ctx context.Context, exchangeOrderID string) (OrderStatusResult, error) {
	resp, err := l.doREST(ctx, http.MethodGet, "/orders/"+exchangeOrderID, nil)
	if err != nil {
		return OrderStatusResult{}, err
	}
	var result OrderStatusResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return OrderStatusResult{}, fmt.Errorf("live: decode order status: %w", err)
	}
	return result, nil
}

func (l *Live) GetAccountBalance(ctx context.Context) ([]Balance, error) {
	resp, err := l.doREST(ctx, http.MethodGet, "/balance", nil)
	if err != nil {
		return nil, err
	}
	var balances []Balance
	if err := json.Unmarshal(resp, &balances); err != nil {
		return nil, fmt.Errorf("live: decode balances: %w", err)
	}
	return balances, nil
}

func (l *Live) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	resp, err := l.doREST(ctx, http.MethodGet, "/positions", nil)
	if err != nil {
		return nil, err
	}
	var positions []ExchangePosition
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("live: decode positions: %w", err)
	}
	return positions, nil
}

func (l *Live) GetTradeHistory(ctx context.Context, since time.Time) ([]Trade, error) {
	resp, err := l.doREST(ctx, http.MethodGet, fmt.Sprintf("/trades?since=%d", since.Unix()), nil)
	if err != nil {
		return nil, err
	}
	var trades []Trade
	if err := json.Unmarshal(resp, &trades); err != nil {
		return nil, fmt.Errorf("live: decode trades: %w", err)
	}
	return trades, nil
}

// doREST is the adapter's own rate-limit back-off boundary: a 429
// response sets rateLimited until Retry-After elapses; the router only
// observes the window through IsRateLimited and RateLimitResumesAt.
func (l *Live) doREST(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("live: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, l.restURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("live: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("live: transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 30 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := time.ParseDuration(ra + "s"); err == nil {
				retryAfter = secs
			}
		}
		l.mu.Lock()
		l.rateLimited = true
		l.rateLimitEnd = time.Now().UTC().Add(retryAfter)
		l.mu.Unlock()
		return nil, fmt.Errorf("live: rate limited, resumes at %s", l.rateLimitEnd)
	}
	l.mu.Lock()
	l.rateLimited = false
	l.mu.Unlock()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("live: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("live: endpoint returned status %d: %s", resp.StatusCode, string(buf))
	}
	return buf, nil
}

func (l *Live) IsRateLimited() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rateLimited && time.Now().UTC().Before(l.rateLimitEnd)
}

func (l *Live) RateLimitResumesAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rateLimitEnd
}
