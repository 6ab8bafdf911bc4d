package events

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const defaultHistoryLimit = 2048

// Record is a sequenced copy of an emitted event as delivered to stream
// subscribers.
type Record struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

func cloneRecord(r Record) Record {
	cloned := r
	if r.Attributes != nil {
		cloned.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			cloned.Attributes[k] = v
		}
	}
	return cloned
}

// Hub fans emitted events out to registered sinks and to stream subscribers.
// Slow subscribers miss events rather than block the emitter; they can catch
// up from the bounded history using a cursor.
type Hub struct {
	mu      sync.Mutex
	sinks   []Emitter
	subs    map[uint64]chan Record
	nextID  uint64
	seq     uint64
	history []Record
	limit   int
	nowFn   func() int64
}

// NewHub creates a hub keeping at most historyLimit records for replay.
func NewHub(historyLimit int) *Hub {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Hub{
		subs:  make(map[uint64]chan Record),
		limit: historyLimit,
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// AddSink registers an emitter that receives every event synchronously.
func (h *Hub) AddSink(sink Emitter) {
	if h == nil || sink == nil {
		return
	}
	h.mu.Lock()
	h.sinks = append(h.sinks, sink)
	h.mu.Unlock()
}

// Emit implements Emitter.
func (h *Hub) Emit(evt Event) {
	if h == nil || evt == nil {
		return
	}
	record := Record{Type: evt.EventType()}
	if payload, ok := PayloadOf(evt); ok {
		record.Attributes = payload.Attributes
	}

	h.mu.Lock()
	h.seq++
	record.Sequence = h.seq
	record.Cursor = strconv.FormatUint(record.Sequence, 10)
	record.Timestamp = h.nowFn()
	record = cloneRecord(record)
	h.history = append(h.history, record)
	if len(h.history) > h.limit {
		excess := len(h.history) - h.limit
		trimmed := make([]Record, h.limit)
		copy(trimmed, h.history[excess:])
		h.history = trimmed
	}
	// Sends are non-blocking and stay under the lock so cancel cannot close a
	// channel mid-send.
	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- cloneRecord(record):
		default:
			dropped++
		}
	}
	sinks := append([]Emitter(nil), h.sinks...)
	h.mu.Unlock()

	hubMetrics().recordDropped(record.Type, dropped)

	for _, sink := range sinks {
		sink.Emit(evt)
	}
}

// Subscribe registers a stream subscriber. Records newer than cursor that are
// still in history are returned as backlog. The returned cancel func is also
// invoked when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, cursor string) (<-chan Record, func(), []Record) {
	updates := make(chan Record, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = updates
	backlog := make([]Record, 0, len(h.history))
	for _, entry := range h.history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneRecord(entry))
		}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
			h.mu.Unlock()
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}

// Subscribers reports the number of live stream subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

var (
	hubMetricsOnce   sync.Once
	sharedHubMetrics *streamMetrics
)

type streamMetrics struct {
	dropped metric.Int64Counter
}

func hubMetrics() *streamMetrics {
	hubMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("dealescrow/events")
		counter, err := meter.Int64Counter("escrow.events.stream.dropped",
			metric.WithDescription("Records not delivered to slow stream subscribers."))
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("dealescrow/events")
			counter, _ = fallback.Int64Counter("escrow.events.stream.dropped")
		}
		sharedHubMetrics = &streamMetrics{dropped: counter}
	})
	return sharedHubMetrics
}

func (m *streamMetrics) recordDropped(eventType string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("type", eventType)))
}
