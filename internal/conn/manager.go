package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/serialgps/internal/debuglog"
	"github.com/shaunagostinho/serialgps/internal/framer"
)

// DefaultReconnectDelay is the fixed wait between a fault and the next open.
const DefaultReconnectDelay = 5 * time.Second

const readBufSize = 1024

// ErrNotRunning is returned by Probe when the manager loop has exited.
var ErrNotRunning = errors.New("conn: manager not running")

// Source opens the underlying transport. Name identifies the device (serial
// path or UDP address) and is what Probe compares against.
type Source interface {
	Name() string
	Open() (io.ReadCloser, error)
}

// Handler receives framed lines and transport-level connection changes. All
// calls are made from the manager goroutine, one at a time.
type Handler interface {
	// HandleLine processes one framed line. A non-nil error counts as a
	// decode error; it never stops the manager.
	HandleLine(line string) error
	SetConnected(connected bool)
}

// Scheduler arms a one-shot timer. The returned stop func disarms it.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type timeScheduler struct{}

func (timeScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Config tunes a Manager. Zero values select the defaults.
type Config struct {
	ReconnectDelay time.Duration
	MaxPending     int
	Scheduler      Scheduler
}

// Stats is a point-in-time view of a manager's counters.
type Stats struct {
	Source       string    `json:"source"`
	State        string    `json:"state"`
	Lines        uint64    `json:"lines"`
	DecodeErrors uint64    `json:"decodeErrors"`
	Overflows    uint64    `json:"overflows"`
	Opens        uint64    `json:"opens"`
	Faults       uint64    `json:"faults"`
	LastActivity time.Time `json:"lastActivity"`
}

type event struct {
	kind Event
	gen  uint64 // connection generation, or retry sequence for EvRetry
	data []byte
	rc   io.ReadCloser
	err  error
	ctl  *control
}

// control is a request executed inside the loop.
type control struct {
	fn   func()
	done chan struct{}
}

// Manager owns one transport. Run executes the lifecycle on a single
// goroutine: reader and timer goroutines only post events, and events from a
// superseded connection or a cancelled timer are dropped.
type Manager struct {
	src     Source
	handler Handler
	sched   Scheduler
	delay   time.Duration
	fr      *framer.Framer

	events  chan event
	done    chan struct{}
	probeMu sync.Mutex

	// Loop-owned.
	m         Machine
	rc        io.ReadCloser
	gen       uint64
	retrySeq  uint64
	stopRetry func() bool

	state        atomic.Int32
	lines        atomic.Uint64
	decodeErrors atomic.Uint64
	overflows    atomic.Uint64
	opens        atomic.Uint64
	faults       atomic.Uint64
	lastActivity atomic.Int64
}

func NewManager(src Source, h Handler, cfg Config) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxPending == 0 {
		cfg.MaxPending = framer.DefaultMaxPending
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = timeScheduler{}
	}
	return &Manager{
		src:     src,
		handler: h,
		sched:   cfg.Scheduler,
		delay:   cfg.ReconnectDelay,
		fr:      framer.New(cfg.MaxPending),
		events:  make(chan event, 64),
		done:    make(chan struct{}),
	}
}

// Run starts the transport and processes events until ctx is cancelled. It
// must be called once.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)

	log.Printf("[conn] starting %s", m.src.Name())
	m.apply(EvStart)

	for {
		select {
		case <-ctx.Done():
			m.apply(EvStop)
			log.Printf("[conn] stopped %s", m.src.Name())
			return ctx.Err()
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// Stats returns the current counters. Safe to call from any goroutine.
func (m *Manager) Stats() Stats {
	var last time.Time
	if ns := m.lastActivity.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Source:       m.src.Name(),
		State:        State(m.state.Load()).String(),
		Lines:        m.lines.Load(),
		DecodeErrors: m.decodeErrors.Load(),
		Overflows:    m.overflows.Load(),
		Opens:        m.opens.Load(),
		Faults:       m.faults.Load(),
		LastActivity: last,
	}
}

// Probe runs fn while holding exclusive use of path. When path is the managed
// device the connection is stopped first and started again afterwards,
// whatever fn returns. Probes are serialized with each other.
func (m *Manager) Probe(ctx context.Context, path string, fn func(context.Context) error) error {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	if path != m.src.Name() {
		return fn(ctx)
	}

	pause := &control{fn: func() {
		log.Printf("[conn] pausing %s for probe", path)
		m.apply(EvStop)
	}, done: make(chan struct{})}
	if err := m.enqueue(ctx, pause); err != nil {
		return err
	}
	// Once the pause is queued it runs eventually, so the resume is always
	// queued after it, before another probe can queue anything.
	defer m.enqueue(context.Background(), &control{fn: func() {
		log.Printf("[conn] resuming %s after probe", path)
		m.apply(EvStart)
	}, done: make(chan struct{})})

	if err := m.wait(ctx, pause); err != nil {
		return err
	}
	return fn(ctx)
}

// enqueue hands c to the loop without waiting for it to run.
func (m *Manager) enqueue(ctx context.Context, c *control) error {
	select {
	case m.events <- event{ctl: c}:
		return nil
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wait blocks until the loop has run c.
func (m *Manager) wait(ctx context.Context, c *control) error {
	select {
	case <-c.done:
		return nil
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers ev to the loop, or releases its handle if the loop is gone.
func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
		if ev.rc != nil {
			ev.rc.Close()
		}
	}
}

func (m *Manager) handle(ev event) {
	if ev.ctl != nil {
		ev.ctl.fn()
		close(ev.ctl.done)
		return
	}

	if ev.kind == EvRetry {
		if ev.gen != m.retrySeq {
			return
		}
		m.stopRetry = nil
		log.Printf("[conn] retrying %s", m.src.Name())
		m.apply(EvRetry)
		return
	}

	if ev.gen != m.gen {
		// Superseded connection.
		if ev.rc != nil {
			ev.rc.Close()
		}
		return
	}

	switch ev.kind {
	case EvOpened:
		m.rc = ev.rc
		m.opens.Add(1)
		log.Printf("[conn] opened %s", m.src.Name())
		m.apply(EvOpened)
		go m.readLoop(ev.gen, ev.rc)

	case EvOpenFailed:
		m.faults.Add(1)
		log.Printf("[conn] open %s failed: %v (retry in %v)", m.src.Name(), ev.err, m.delay)
		m.apply(EvOpenFailed)

	case EvData:
		m.lastActivity.Store(time.Now().UnixNano())
		m.apply(EvData)
		m.feed(ev.data)

	case EvError:
		m.faults.Add(1)
		log.Printf("[conn] read %s: %v (retry in %v)", m.src.Name(), ev.err, m.delay)
		m.apply(EvError)

	case EvClosed:
		m.faults.Add(1)
		log.Printf("[conn] %s closed (retry in %v)", m.src.Name(), m.delay)
		m.apply(EvClosed)
	}
}

// feed frames data and hands each line to the handler in arrival order.
func (m *Manager) feed(data []byte) {
	before := m.fr.Overflows()
	for line := range m.fr.Feed(data) {
		m.lines.Add(1)
		if err := m.handler.HandleLine(line); err != nil {
			m.decodeErrors.Add(1)
		}
	}
	if n := m.fr.Overflows() - before; n > 0 {
		m.overflows.Add(n)
		log.Printf("[conn] %s: no line terminator within %d bytes, buffer discarded", m.src.Name(), m.fr.MaxPending)
	}
}

func (m *Manager) apply(ev Event) {
	next, effects := Transition(m.m, ev)
	if next.State != m.m.State {
		debuglog.Printf("[conn] %s: %v --%v--> %v", m.src.Name(), m.m.State, ev, next.State)
	}
	m.m = next
	m.state.Store(int32(next.State))

	for _, eff := range effects {
		switch eff {
		case EffOpen:
			m.gen++
			gen := m.gen
			go func() {
				rc, err := m.src.Open()
				if err != nil {
					m.post(event{kind: EvOpenFailed, gen: gen, err: err})
					return
				}
				m.post(event{kind: EvOpened, gen: gen, rc: rc})
			}()

		case EffClose:
			// Bumping the generation drops any event still in flight from
			// the old handle or an open that has not completed yet.
			m.gen++
			if m.rc != nil {
				if err := m.rc.Close(); err != nil {
					debuglog.Printf("[conn] close %s: %v", m.src.Name(), err)
				}
				m.rc = nil
			}

		case EffScheduleRetry:
			m.retrySeq++
			seq := m.retrySeq
			m.stopRetry = m.sched.AfterFunc(m.delay, func() {
				m.post(event{kind: EvRetry, gen: seq})
			})

		case EffCancelRetry:
			m.retrySeq++
			if m.stopRetry != nil {
				m.stopRetry()
				m.stopRetry = nil
			}

		case EffResetBuffer:
			m.fr.Reset()

		case EffEmitDisconnected:
			m.handler.SetConnected(false)
		}
	}
}

func (m *Manager) readLoop(gen uint64, rc io.ReadCloser) {
	buf := make([]byte, readBufSize)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			m.post(event{kind: EvData, gen: gen, data: data})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				m.post(event{kind: EvClosed, gen: gen})
			} else {
				m.post(event{kind: EvError, gen: gen, err: fmt.Errorf("read: %w", err)})
			}
			return
		}
	}
}
