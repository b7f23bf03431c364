// Package monitor runs the polling loop: each tick reads appended lines from
// the tracked log, parses them, and enqueues one message per matching
// subscriber onto the bounded delivery queue.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tinytelemetry/mcwatch/internal/filter"
	"github.com/tinytelemetry/mcwatch/internal/ingest"
	"github.com/tinytelemetry/mcwatch/internal/model"
	"github.com/tinytelemetry/mcwatch/internal/tracker"
)

// ErrNotOpen is returned by Tick before the log file has been opened.
var ErrNotOpen = errors.New("monitor: log file not open")

// State is the phase of the current tick.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateParsing
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateParsing:
		return "parsing"
	case StateDispatching:
		return "dispatching"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config is the monitor's share of the application config.
type Config struct {
	LogPath       string
	Frequency     time.Duration
	StartupDelay  time.Duration
	ReadFromStart bool
	Rotation      tracker.RotationMode
	Notifications []model.Notification
	Verbose       bool
}

// Deps are the collaborators the monitor writes to.
type Deps struct {
	// Queue is the send side of the delivery queue. Required.
	Queue chan<- model.Message
	// History receives every parsed record. Optional.
	History ingest.RecordSink
}

// Status is a point-in-time snapshot for the status API.
type Status struct {
	State     State     `json:"-"`
	StartedAt time.Time `json:"started_at"`
	Ticks     int64     `json:"ticks"`
	LastTick  time.Time `json:"last_tick"`
	LogPath   string    `json:"log_path"`
	Offset    int64     `json:"offset"`
	Records   int64     `json:"records"`
	Forwarded int64     `json:"forwarded"`
	PollFails int64     `json:"poll_failures"`
}

// Monitor owns the tracker and the send side of the queue. Run and Tick
// must be called from a single goroutine; Status is safe from any.
type Monitor struct {
	cfg       Config
	queue     chan<- model.Message
	processor *ingest.Processor
	tracker   *tracker.Tracker

	mu     sync.Mutex
	status Status
}

// New creates a monitor. It does not touch the filesystem.
func New(cfg Config, deps Deps) *Monitor {
	if cfg.Frequency <= 0 {
		cfg.Frequency = model.DefaultFrequency
	}
	return &Monitor{
		cfg:       cfg,
		queue:     deps.Queue,
		processor: ingest.NewProcessor(deps.History),
		status:    Status{State: StateIdle, LogPath: cfg.LogPath},
	}
}

// Open opens the log file. Without ReadFromStart only content written
// after this call is reported.
func (m *Monitor) Open() error {
	if m.tracker != nil {
		return nil
	}
	t, err := tracker.Open(m.cfg.LogPath, tracker.Options{
		FromStart: m.cfg.ReadFromStart,
		Rotation:  m.cfg.Rotation,
	})
	if err != nil {
		return err
	}
	m.tracker = t

	m.mu.Lock()
	m.status.StartedAt = time.Now()
	m.status.Offset = t.Offset()
	m.mu.Unlock()

	log.Printf("monitor: watching %s (rotation=%s, offset=%d)", m.cfg.LogPath, t.Mode(), t.Offset())
	return nil
}

// Close releases the log file.
func (m *Monitor) Close() error {
	if m.tracker == nil {
		return nil
	}
	err := m.tracker.Close()
	m.tracker = nil
	return err
}

// Run opens the log, waits the startup delay once, then ticks every
// Frequency until ctx ends. The full period elapses after each tick
// whether or not it found anything. An open failure is returned
// immediately; otherwise Run returns ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Open(); err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	if m.cfg.StartupDelay > 0 {
		if m.cfg.Verbose {
			log.Printf("monitor: startup delay %s", m.cfg.StartupDelay)
		}
		if err := sleep(ctx, m.cfg.StartupDelay); err != nil {
			return err
		}
	}

	timer := time.NewTimer(m.cfg.Frequency)
	defer timer.Stop()
	for {
		if err := m.Tick(ctx); err != nil {
			return err
		}
		timer.Reset(m.cfg.Frequency)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Tick runs one poll, parse, dispatch cycle. Read and decode problems are
// logged and end the tick early. The only error returned is ctx's, when it
// ends while the tick is blocked on a full queue, or ErrNotOpen.
func (m *Monitor) Tick(ctx context.Context) error {
	if m.tracker == nil {
		return ErrNotOpen
	}
	defer m.finishTick()

	m.setState(StatePolling)
	lines, err := m.tracker.Poll()
	if err != nil {
		m.logPollError(err)
	}
	if len(lines) == 0 {
		if m.cfg.Verbose {
			log.Printf("monitor: tick: no new lines (offset=%d)", m.tracker.Offset())
		}
		return nil
	}

	m.setState(StateParsing)
	records := m.processor.ProcessEnvelope(model.IngestEnvelope{Source: m.cfg.LogPath, Lines: lines})
	if m.cfg.Verbose {
		log.Printf("monitor: tick: %d lines, %d records", len(lines), len(records))
	}

	m.setState(StateDispatching)
	var forwarded int64
	for _, rec := range records {
		for _, msg := range filter.Route(rec, m.cfg.Notifications) {
			select {
			case m.queue <- msg:
				forwarded++
			case <-ctx.Done():
				m.addCounts(int64(len(records)), forwarded)
				return ctx.Err()
			}
		}
	}
	m.addCounts(int64(len(records)), forwarded)
	return nil
}

func (m *Monitor) logPollError(err error) {
	var pe *tracker.PollError
	switch {
	case errors.As(err, &pe):
		m.mu.Lock()
		m.status.PollFails++
		m.mu.Unlock()
		log.Printf("monitor: poll failed, retrying next tick: %v", err)
	case errors.Is(err, tracker.ErrDecode):
		log.Printf("monitor: skipping appended data: %v", err)
	case errors.Is(err, tracker.ErrLineTooLong):
		log.Printf("monitor: %v", err)
	default:
		log.Printf("monitor: poll: %v", err)
	}
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.status.State = s
	m.mu.Unlock()
}

func (m *Monitor) addCounts(records, forwarded int64) {
	m.mu.Lock()
	m.status.Records += records
	m.status.Forwarded += forwarded
	m.mu.Unlock()
}

func (m *Monitor) finishTick() {
	offset := m.tracker.Offset()
	m.mu.Lock()
	m.status.State = StateIdle
	m.status.Ticks++
	m.status.LastTick = time.Now()
	m.status.Offset = offset
	m.mu.Unlock()
}

// Status returns a snapshot of the loop counters.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Notifications returns the configured subscriber bindings.
func (m *Monitor) Notifications() []model.Notification {
	return m.cfg.Notifications
}
