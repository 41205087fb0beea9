// Package feed runs one dashboard view instance: a bootstrap fetch and a
// live stream feeding a private record set, re-projected on every change.
package feed

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/sfdwatch/internal/aggregate"
	"github.com/tinytelemetry/sfdwatch/internal/model"
	"github.com/tinytelemetry/sfdwatch/internal/normalize"
	"github.com/tinytelemetry/sfdwatch/internal/stream"
)

// State is the data-readiness of a view.
type State int

const (
	StateIdle State = iota
	StateBootstrapping
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyOpen is returned by a second Open.
	ErrAlreadyOpen = errors.New("feed: already open")
	// ErrClosed is returned by Open after Close.
	ErrClosed = errors.New("feed: closed")
)

// Source is a live event stream. *stream.Subscriber implements it.
type Source interface {
	Start(ctx context.Context) (<-chan stream.Event, error)
	Close()
}

// BootstrapFunc loads the initial records for the reference date.
type BootstrapFunc func(ctx context.Context, ref time.Time) ([]model.DetectionRecord, error)

// Config configures a Feed.
type Config struct {
	Bootstrap BootstrapFunc
	// Stream is optional; history views run without one.
	Stream     Source
	Normalizer *normalize.Normalizer
	Options    aggregate.Options
	// Ref returns the reference date of each projection. Nil uses time.Now.
	Ref           func() time.Time
	ClockInterval time.Duration
	// OnRecord, when set, sees every record merged from the stream.
	OnRecord func(model.DetectionRecord)
}

// Update is one published view.
type Update struct {
	State      State
	Projection model.Projection
	// Live reports whether the stream is currently open.
	Live bool
	// Err is the bootstrap error, if any. The view still becomes ready.
	Err error
}

// Feed is a single-use view instance.
type Feed struct {
	cfg Config

	updates  chan Update
	clock    chan time.Time
	selectCh chan int64

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	group  *errgroup.Group
	ctx    context.Context

	closeOnce sync.Once
}

type bootResult struct {
	records []model.DetectionRecord
	err     error
}

// New returns an idle feed.
func New(cfg Config) *Feed {
	if cfg.Ref == nil {
		cfg.Ref = time.Now
	}
	if cfg.ClockInterval <= 0 {
		cfg.ClockInterval = model.DefaultClockInterval
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = normalize.New(cfg.Options.Labels)
	}
	return &Feed{
		cfg:      cfg,
		updates:  make(chan Update, 1),
		clock:    make(chan time.Time, 1),
		selectCh: make(chan int64),
	}
}

// Updates delivers projections, latest wins. It is closed by Close.
func (f *Feed) Updates() <-chan Update { return f.updates }

// Clock delivers wall-clock ticks for the header. It is closed by Close.
func (f *Feed) Clock() <-chan time.Time { return f.clock }

// State returns the current state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Feed) setState(s State) {
	f.mu.Lock()
	if f.state != StateClosed {
		f.state = s
	}
	f.mu.Unlock()
}

// Open mounts the view: it starts the stream, the bootstrap fetch and the
// clock. It returns once they are running.
func (f *Feed) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateClosed:
		return ErrClosed
	case StateIdle:
	default:
		return ErrAlreadyOpen
	}
	f.state = StateBootstrapping

	ctx, cancel := context.WithCancel(ctx)
	f.ctx = ctx
	f.cancel = cancel

	var events <-chan stream.Event
	if f.cfg.Stream != nil {
		ch, err := f.cfg.Stream.Start(ctx)
		if err != nil {
			log.Printf("feed: stream start: %v", err)
		} else {
			events = ch
		}
	}

	boot := make(chan bootResult, 1)
	g := &errgroup.Group{}
	f.group = g

	g.Go(func() error {
		res := bootResult{}
		if f.cfg.Bootstrap != nil {
			res.records, res.err = f.cfg.Bootstrap(ctx, f.cfg.Ref())
		}
		boot <- res
		return nil
	})
	g.Go(func() error {
		f.consume(ctx, boot, events)
		return nil
	})
	g.Go(func() error {
		f.tick(ctx)
		return nil
	})
	return nil
}

// Select moves the detail pane to record id. Unknown ids are ignored.
func (f *Feed) Select(id int64) {
	f.mu.Lock()
	ctx := f.ctx
	open := f.state == StateBootstrapping || f.state == StateReady
	f.mu.Unlock()
	if !open {
		return
	}
	select {
	case f.selectCh <- id:
	case <-ctx.Done():
	}
}

// Close unmounts the view from any state. It cancels the bootstrap, stops
// the clock and closes the stream; the backend disconnect notification is
// fired by the stream in the background. Close is idempotent.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		wasOpen := f.state != StateIdle
		f.state = StateClosed
		cancel := f.cancel
		g := f.group
		f.mu.Unlock()

		if wasOpen && cancel != nil {
			cancel()
			_ = g.Wait()
		}
		if f.cfg.Stream != nil {
			f.cfg.Stream.Close()
		}
		close(f.updates)
		close(f.clock)
	})
}

func (f *Feed) tick(ctx context.Context) {
	t := time.NewTicker(f.cfg.ClockInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			select {
			case f.clock <- now:
			default:
			}
		}
	}
}

// consume is the only goroutine touching the record set.
func (f *Feed) consume(ctx context.Context, boot <-chan bootResult, events <-chan stream.Event) {
	set := aggregate.NewRecordSet()
	var (
		selected *model.SelectedDetail
		bootErr  error
		live     bool
	)

	publish := func() {
		opts := f.cfg.Options
		opts.Selected = selected
		p := aggregate.Project(set.Snapshot(), f.cfg.Ref(), opts)
		selected = p.Selected
		f.publish(Update{State: f.State(), Projection: p, Live: live, Err: bootErr})
	}

	for {
		select {
		case <-ctx.Done():
			return

		case res := <-boot:
			boot = nil
			if res.err != nil {
				if ctx.Err() != nil {
					return
				}
				bootErr = res.err
				log.Printf("feed: bootstrap failed: %v", res.err)
			} else {
				log.Printf("feed: bootstrap loaded %d records (scope %s, ref %s)",
					len(res.records), f.cfg.Options.Scope, f.cfg.Ref().Format("2006-01-02"))
			}
			set.Merge(res.records...)
			f.setState(StateReady)
			publish()

		case ev, ok := <-events:
			if !ok {
				events = nil
				if live {
					live = false
					publish()
				}
				continue
			}
			switch ev.Kind {
			case stream.EventOpen:
				live = true
				publish()
			case stream.EventError:
				log.Printf("feed: stream error: %v", ev.Err)
				if live {
					live = false
					publish()
				}
			case stream.EventMessage:
				rec, err := f.cfg.Normalizer.Normalize(ev.Data)
				if err != nil {
					normalize.Drop("stream", err)
					continue
				}
				set.Merge(rec)
				if f.cfg.OnRecord != nil {
					f.cfg.OnRecord(rec)
				}
				publish()
			}

		case id := <-f.selectCh:
			rec, ok := set.Get(id)
			if !ok {
				continue
			}
			selected = aggregate.Detail(rec, f.cfg.Options.Labels)
			publish()
		}
	}
}

func (f *Feed) publish(u Update) {
	select {
	case f.updates <- u:
		return
	default:
	}
	// drop the stale update
	select {
	case <-f.updates:
	default:
	}
	select {
	case f.updates <- u:
	default:
	}
}
