package eventlog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Channel names one of the four push channels.
type Channel string

const (
	ChannelStatusUpdate   Channel = "StatusUpdate"
	ChannelMetricsUpdate  Channel = "MetricsUpdate"
	ChannelEventLog       Channel = "EventLog"
	ChannelPositionUpdate Channel = "PositionUpdate"
)

// Hub implements the Streaming Hub: each named channel fans published
// events out to subscribed HTTP clients over Server-Sent Events —
// http.Flusher-based writes, a heartbeat ticker, a bounded
// per-connection buffered channel, and non-blocking drop-on-full sends
// so one slow client never stalls the publisher.
type Hub struct {
	log      zerolog.Logger
	bus      *Bus
	channels map[Channel]EventType // channel -> the EventType it forwards, "" = forward all
}

// NewHub wires a Hub to bus. Periodic heartbeat payloads for
// StatusUpdate/MetricsUpdate are supplied per connection through
// ServeChannel's heartbeatFn; positions and the raw event log forward
// on publish instead of on a timer.
func NewHub(log zerolog.Logger, bus *Bus) *Hub {
	return &Hub{
		log: log.With().Str("component", "streaming_hub").Logger(),
		bus: bus,
	}
}

// ServeChannel handles one SSE connection for the named channel. For
// ChannelEventLog it forwards every published event; for
// ChannelPositionUpdate it forwards position-related events; for
// ChannelStatusUpdate / ChannelMetricsUpdate it emits heartbeatFn's
// return value on the given period in addition to forwarding matching
// bus events, if any.
func (h *Hub) ServeChannel(ch Channel, period time.Duration, heartbeatFn func() interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		events := make(chan Event, 100)
		var unsubscribe func()
		if ch == ChannelEventLog {
			unsubscribe = h.bus.SubscribeAll(func(e Event) { nonBlockingSend(events, e) })
		} else {
			unsubscribe = h.bus.SubscribeAll(func(e Event) {
				if channelMatches(ch, e.EventType) {
					nonBlockingSend(events, e)
				}
			})
		}
		defer unsubscribe()

		var ticker *time.Ticker
		var tickC <-chan time.Time
		if period > 0 && heartbeatFn != nil {
			ticker = time.NewTicker(period)
			defer ticker.Stop()
			tickC = ticker.C
		}

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-events:
				writeSSE(w, flusher, e)
			case <-tickC:
				writeSSE(w, flusher, Event{Timestamp: time.Now().UTC(), EventType: EventType(ch), Data: heartbeatFn()})
			}
		}
	}
}

func channelMatches(ch Channel, t EventType) bool {
	switch ch {
	case ChannelPositionUpdate:
		switch t {
		case EventPositionOpened, EventPositionClosed, EventOrderFilled:
			return true
		}
	}
	return false
}

func nonBlockingSend(ch chan Event, e Event) {
	select {
	case ch <- e:
	default:
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.EventType, payload)
	flusher.Flush()
}
