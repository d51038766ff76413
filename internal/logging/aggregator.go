package logging

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"
)

type eventKey struct {
	component string
	event     string
}

type eventTally struct {
	count     int64
	firstSeen time.Time
	lastSeen  time.Time
	fields    []slog.Attr
}

// Aggregator batches high-frequency events (poll ticks, suppressed
// notifications) and emits one event_summary record per key per interval.
// Summaries are written in component/event order.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	tallies map[eventKey]*eventTally

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every intervalSecs seconds.
// With a nil logger, events are counted and dropped at flush.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 60
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		now:      time.Now,
		tallies:  make(map[eventKey]*eventTally),
		stop:     make(chan struct{}),
	}
}

// Start begins the background flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Flush()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop ends the flush goroutine and writes whatever is pending. Safe to call
// more than once.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		a.wg.Wait()
		a.Flush()
	})
}

// Record counts one occurrence of event. The latest fields replace earlier ones.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	key := eventKey{component: component, event: event}
	tally := a.tallies[key]
	if tally == nil {
		tally = &eventTally{firstSeen: now}
		a.tallies[key] = tally
	}
	tally.count++
	tally.lastSeen = now
	if len(fields) > 0 {
		tally.fields = fields
	}
}

// Pending returns the unflushed count for one event key.
func (a *Aggregator) Pending(component, event string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tally := a.tallies[eventKey{component: component, event: event}]; tally != nil {
		return tally.count
	}
	return 0
}

// Flush writes one event_summary per pending key and resets the counts.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	if len(a.tallies) == 0 {
		a.mu.Unlock()
		return
	}
	tallies := a.tallies
	a.tallies = make(map[eventKey]*eventTally)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}

	keys := make([]eventKey, 0, len(tallies))
	for k := range tallies {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(x, y eventKey) int {
		return cmp.Or(cmp.Compare(x.component, y.component), cmp.Compare(x.event, y.event))
	})

	for _, k := range keys {
		tally := tallies[k]
		attrs := make([]any, 0, 6+len(tally.fields))
		attrs = append(attrs,
			slog.String("component", k.component),
			slog.String("event", k.event),
			slog.Int64("count", tally.count),
			slog.Int("window_seconds", int(a.interval.Seconds())),
			slog.Time("first_seen", tally.firstSeen),
			slog.Time("last_seen", tally.lastSeen),
		)
		for _, f := range tally.fields {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}
