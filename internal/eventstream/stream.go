// Package eventstream records what happened during an execution in bounded,
// per-category buffers and fans events out to subscribers.
package eventstream

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// Category partitions the stream into independently bounded buffers.
type Category string

const (
	CategoryState   Category = "state"
	CategoryNetwork Category = "network"
	CategoryConsole Category = "console"
)

// AllCategories in a fixed order.
var AllCategories = []Category{CategoryState, CategoryNetwork, CategoryConsole}

// Kind classifies an event for relevance scoring.
type Kind string

const (
	KindError       Kind = "error"
	KindInteraction Kind = "interaction"
	KindNavigation  Kind = "navigation"
	KindDOM         Kind = "dom"
	KindNetwork     Kind = "network"
	KindIntent      Kind = "intent"
	KindLog         Kind = "log"
)

// Event is one immutable record.
type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Category    Category       `json:"category"`
	Kind        Kind           `json:"kind"`
	Source      string         `json:"source,omitempty"` // Emitting component.
	IntentID    string         `json:"intent_id,omitempty"`
	SubIntentID string         `json:"sub_intent_id,omitempty"`
	ActionID    string         `json:"action_id,omitempty"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
}

// Config bounds the stream.
type Config struct {
	MaxPerCategory     int
	RatePerSecond      float64
	Burst              int
	RelevanceThreshold float64
	SubscriberBuffer   int
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerCategory:     1000,
		RatePerSecond:      100,
		Burst:              200,
		RelevanceThreshold: 0.3,
		SubscriberBuffer:   64,
	}
}

// Stats counts stream activity.
type Stats struct {
	Emitted     int64            `json:"emitted"`
	RateDropped int64            `json:"rate_dropped"`
	SubDropped  int64            `json:"subscriber_dropped"`
	Buffered    map[Category]int `json:"buffered"`
	Subscribers int              `json:"subscribers"`
}

type subscription struct {
	ch         chan Event
	categories map[Category]bool
}

// Stream is a bounded, append-only, relevance-filtered event log. Emit never
// blocks: slow subscribers lose events rather than stalling execution.
type Stream struct {
	cfg     Config
	logger  *zap.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.RWMutex
	buffers map[Category]*ring
	subs    map[*subscription]struct{}
	secrets map[string]int
	closed  bool

	emitted     atomic.Int64
	rateDropped atomic.Int64
	subDropped  atomic.Int64
}

// New creates a stream.
func New(logger *zap.Logger, cfg Config) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxPerCategory <= 0 {
		cfg.MaxPerCategory = def.MaxPerCategory
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	s := &Stream{
		cfg:     cfg,
		logger:  logger.Named("event_stream"),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		now:     time.Now,
		buffers: make(map[Category]*ring, len(AllCategories)),
		subs:    make(map[*subscription]struct{}),
		secrets: make(map[string]int),
	}
	for _, c := range AllCategories {
		s.buffers[c] = newRing(cfg.MaxPerCategory)
	}
	return s
}

// RegisterSecrets adds values that are scrubbed from every later event. The
// returned func unregisters them.
func (s *Stream) RegisterSecrets(values ...string) func() {
	s.mu.Lock()
	var added []string
	for _, v := range values {
		if v == "" {
			continue
		}
		s.secrets[v]++
		added = append(added, v)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, v := range added {
				if s.secrets[v]--; s.secrets[v] <= 0 {
					delete(s.secrets, v)
				}
			}
		})
	}
}

// Emit records an event and delivers it to subscribers. Non-error events
// beyond the rate limit are dropped. Returns whether the event was recorded.
func (s *Stream) Emit(e Event) bool {
	if e.Category == "" {
		e.Category = CategoryState
	}
	if e.Kind != KindError && !s.limiter.Allow() {
		s.rateDropped.Add(1)
		return false
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	secrets := make([]string, 0, len(s.secrets))
	for v := range s.secrets {
		secrets = append(secrets, v)
	}
	e = redact(e, secrets)
	buf, ok := s.buffers[e.Category]
	if !ok {
		buf = newRing(s.cfg.MaxPerCategory)
		s.buffers[e.Category] = buf
	}
	buf.push(e)
	s.emitted.Add(1)

	for sub := range s.subs {
		if len(sub.categories) > 0 && !sub.categories[e.Category] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			s.subDropped.Add(1)
		}
	}
	s.mu.Unlock()
	return true
}

// Since returns events newer than ts whose relevance to goal meets the
// threshold, oldest first. An empty goal disables relevance filtering.
func (s *Stream) Since(ts time.Time, goal schemas.IntentType, categories ...Category) []Event {
	if len(categories) == 0 {
		categories = AllCategories
	}
	now := s.now()
	s.mu.RLock()
	var out []Event
	for _, c := range categories {
		buf, ok := s.buffers[c]
		if !ok {
			continue
		}
		buf.each(func(e Event) {
			if !e.Timestamp.After(ts) {
				return
			}
			if goal != "" && Relevance(e, goal, now) < s.cfg.RelevanceThreshold {
				return
			}
			out = append(out, e)
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Recent returns up to n of the newest events of one category, newest first.
func (s *Stream) Recent(category Category, n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.buffers[category]
	if !ok {
		return nil
	}
	all := buf.slice()
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]Event, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out
}

// Subscribe returns a channel of future events in the given categories (all
// when none are given) and an unsubscribe func.
func (s *Stream) Subscribe(categories ...Category) (<-chan Event, func()) {
	sub := &subscription{
		ch:         make(chan Event, s.cfg.SubscriberBuffer),
		categories: make(map[Category]bool, len(categories)),
	}
	for _, c := range categories {
		sub.categories[c] = true
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			close(sub.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Stats returns a snapshot of counters.
func (s *Stream) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buffered := make(map[Category]int, len(s.buffers))
	for c, b := range s.buffers {
		buffered[c] = b.len()
	}
	return Stats{
		Emitted:     s.emitted.Load(),
		RateDropped: s.rateDropped.Load(),
		SubDropped:  s.subDropped.Load(),
		Buffered:    buffered,
		Subscribers: len(s.subs),
	}
}

// Close stops recording and closes every subscriber channel.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		close(sub.ch)
	}
	s.subs = make(map[*subscription]struct{})
	s.logger.Debug("Event stream closed.", zap.Int64("emitted", s.emitted.Load()))
}

var sensitiveKeys = []string{"password", "passwd", "secret", "token", "api_key", "apikey", "authorization", "cookie"}

func isSensitiveKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// redact scrubs registered secrets and sensitive keys. Data is deep copied so
// the caller's map is never modified.
func redact(e Event, secrets []string) Event {
	e.Message = schemas.Scrub(e.Message, secrets)
	if e.Data != nil {
		e.Data = redactMap(e.Data, secrets)
	}
	return e
}

func redactMap(in map[string]any, secrets []string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if isSensitiveKey(k) {
			out[k] = schemas.RedactedValue
			continue
		}
		out[k] = redactValue(v, secrets)
	}
	return out
}

func redactValue(v any, secrets []string) any {
	switch t := v.(type) {
	case string:
		return schemas.Scrub(t, secrets)
	case map[string]any:
		return redactMap(t, secrets)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return redactMap(m, secrets)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = redactValue(x, secrets)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, x := range t {
			out[i] = schemas.Scrub(x, secrets)
		}
		return out
	default:
		return v
	}
}
