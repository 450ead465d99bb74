// Package debounce coalesces file change notifications into verification
// triggers, widening the wait while a bulk rewrite is in progress.
package debounce

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/logger"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/metrics"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/pubsub"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/sched"
)

type Kind int

const (
	Create Kind = iota
	Modify
	Delete
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Change is one file change notification.
type Change struct {
	Kind Kind      `json:"kind"`
	Path string    `json:"path"`
	Time time.Time `json:"time"`
}

// Batch is what a trigger delivers.
type Batch struct {
	// Files are the dirty paths in first-seen order.
	Files   []string      `json:"files"`
	Deleted []string      `json:"deleted,omitempty"`
	Events  []Change      `json:"events"`
	Bulk    bool          `json:"bulk"`
	Elapsed time.Duration `json:"elapsed"`
}

// Config holds the debouncer tunables. Zero fields take the defaults of
// DefaultConfig.
type Config struct {
	Debounce      time.Duration `mapstructure:"debounce"`
	MaxDebounce   time.Duration `mapstructure:"max_debounce"`
	BulkWindow    time.Duration `mapstructure:"bulk_window"`
	BulkThreshold int           `mapstructure:"bulk_threshold"`

	Logger *slog.Logger `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		Debounce:      time.Second,
		MaxDebounce:   10 * time.Second,
		BulkWindow:    500 * time.Millisecond,
		BulkThreshold: 5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.MaxDebounce <= 0 {
		c.MaxDebounce = d.MaxDebounce
	}
	if c.MaxDebounce < c.Debounce {
		c.MaxDebounce = c.Debounce
	}
	if c.BulkWindow <= 0 {
		c.BulkWindow = d.BulkWindow
	}
	if c.BulkThreshold <= 0 {
		c.BulkThreshold = d.BulkThreshold
	}
	return c
}

// Stats is a point-in-time view for observability.
type Stats struct {
	Pending         int           `json:"pending" yaml:"pending"`
	Deleted         int           `json:"deleted" yaml:"deleted"`
	Bulk            bool          `json:"bulk" yaml:"bulk"`
	CurrentDebounce time.Duration `json:"current_debounce" yaml:"current_debounce"`
	TotalChanges    uint64        `json:"total_changes" yaml:"total_changes"`
	TotalTriggers   uint64        `json:"total_triggers" yaml:"total_triggers"`
}

// Debouncer is safe for concurrent use. At most one timer is live at a time;
// every Add reschedules it.
type Debouncer struct {
	cfg      Config
	log      *slog.Logger
	triggers *pubsub.Bus[Batch]
	now      func() time.Time

	mu      sync.Mutex
	seq     uint64
	dirty   map[string]uint64 // path -> first-seen sequence
	deleted map[string]struct{}
	events  []Change
	started time.Time // first event of the cycle

	windowStart time.Time
	windowCount int
	bulk        bool
	current     time.Duration

	task          sched.Task
	totalChanges  uint64
	totalTriggers uint64
}

func New(cfg Config) *Debouncer {
	cfg = cfg.withDefaults()
	log := logger.Component(cfg.Logger, "debounce")
	return &Debouncer{
		cfg:      cfg,
		log:      log,
		triggers: pubsub.New[Batch]("debounce", log),
		now:      time.Now,
		dirty:    make(map[string]uint64),
		deleted:  make(map[string]struct{}),
		current:  cfg.Debounce,
	}
}

// OnTrigger registers fn for every non-empty batch. fn runs on the timer
// goroutine, or on the ForceTrigger caller.
func (d *Debouncer) OnTrigger(fn func(Batch)) func() { return d.triggers.Subscribe(fn) }

// Add records a change and restarts the debounce timer.
func (d *Debouncer) Add(c Change) {
	now := d.now()
	if c.Time.IsZero() {
		c.Time = now
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch c.Kind {
	case Delete:
		delete(d.dirty, c.Path)
		d.deleted[c.Path] = struct{}{}
	default:
		delete(d.deleted, c.Path)
		if _, ok := d.dirty[c.Path]; !ok {
			d.seq++
			d.dirty[c.Path] = d.seq
		}
	}
	if len(d.events) == 0 {
		d.started = now
	}
	d.events = append(d.events, c)
	d.totalChanges++
	metrics.IncChange(c.Kind.String())

	// The window only slides when an event arrives after it expired.
	if d.windowStart.IsZero() || now.Sub(d.windowStart) > d.cfg.BulkWindow {
		d.windowStart = now
		d.windowCount = 0
	}
	d.windowCount++
	if !d.bulk && d.windowCount >= d.cfg.BulkThreshold {
		d.bulk = true
		d.current = min(d.cfg.Debounce*2, d.cfg.MaxDebounce)
		d.log.Info("bulk operation detected", "events", d.windowCount, "debounce", d.current)
	}

	d.task.Schedule(d.current, d.fire)
}

// ForceTrigger fires now, bypassing the wait. It reports whether a batch
// was delivered.
func (d *Debouncer) ForceTrigger() bool {
	d.mu.Lock()
	d.task.Cancel()
	b, ok := d.snapshotLocked()
	d.mu.Unlock()
	if ok {
		d.deliver(b)
	}
	return ok
}

// Cancel drops every pending change without firing.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.task.Cancel()
	if n := len(d.events); n > 0 {
		d.log.Debug("pending changes dropped", "events", n)
	}
	d.resetLocked()
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if !d.task.Claim(gen) {
		d.mu.Unlock()
		return
	}
	b, ok := d.snapshotLocked()
	d.mu.Unlock()
	if ok {
		d.deliver(b)
	}
}

// snapshotLocked captures and clears the cycle. ok is false when no dirty
// path remained; the state is cleared either way.
func (d *Debouncer) snapshotLocked() (Batch, bool) {
	if len(d.dirty) == 0 {
		d.resetLocked()
		return Batch{}, false
	}
	b := Batch{
		Files:   orderedKeys(d.dirty),
		Deleted: sortedKeys(d.deleted),
		Events:  d.events,
		Bulk:    d.bulk,
		Elapsed: d.now().Sub(d.started),
	}
	d.totalTriggers++
	d.resetLocked()
	return b, true
}

func (d *Debouncer) resetLocked() {
	d.dirty = make(map[string]uint64)
	d.deleted = make(map[string]struct{})
	d.events = nil
	d.started = time.Time{}
	d.windowStart = time.Time{}
	d.windowCount = 0
	d.bulk = false
	d.current = d.cfg.Debounce
}

func (d *Debouncer) deliver(b Batch) {
	metrics.ObserveTrigger(b.Bulk, len(b.Files))
	d.log.Debug("trigger", "files", len(b.Files), "deleted", len(b.Deleted), "bulk", b.Bulk, "elapsed", b.Elapsed)
	d.triggers.Publish(b)
}

// PendingCount is the number of dirty paths.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dirty)
}

func (d *Debouncer) DirtyFiles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return orderedKeys(d.dirty)
}

func (d *Debouncer) DeletedFiles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sortedKeys(d.deleted)
}

func (d *Debouncer) InBulkOperation() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bulk
}

// CurrentDebounce is the wait applied to the next reschedule.
func (d *Debouncer) CurrentDebounce() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *Debouncer) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Pending:         len(d.dirty),
		Deleted:         len(d.deleted),
		Bulk:            d.bulk,
		CurrentDebounce: d.current,
		TotalChanges:    d.totalChanges,
		TotalTriggers:   d.totalTriggers,
	}
}

func orderedKeys(m map[string]uint64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return m[out[i]] < m[out[j]] })
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
