// Package stream subscribes to the backend's server-sent detection events.
//
// A Subscriber owns at most one connection for its whole lifetime and
// surfaces lifecycle changes and named messages on a channel.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/r3labs/sse/v2"

	"github.com/tinytelemetry/sfdwatch/internal/metrics"
	"github.com/tinytelemetry/sfdwatch/internal/model"
)

const (
	defaultBuffer            = 64
	defaultDisconnectTimeout = 5 * time.Second
	maxFrameSize             = 1 << 20
)

var (
	// ErrAlreadyStarted is returned by a second Start on one Subscriber.
	ErrAlreadyStarted = errors.New("stream: already started")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("stream: closed")
)

// EventKind classifies an Event.
type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one notification from the subscriber.
type Event struct {
	Kind EventKind
	Name string
	ID   string
	Data []byte
	Err  error
}

// ReconnectPolicy controls retries after a transport error. The zero value
// never retries.
type ReconnectPolicy struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed stops retrying after this long without a successful open.
	// Zero retries forever.
	MaxElapsed time.Duration
}

// Config configures a Subscriber.
type Config struct {
	URL string
	// Event is the event name forwarded as EventMessage.
	Event  string
	Client *http.Client
	// Headers is called before every connection attempt so refreshed
	// tokens are picked up.
	Headers        func() http.Header
	Reconnect      ReconnectPolicy
	ConnectTimeout time.Duration
	// Disconnect is fired in the background after Close. Its error is
	// only logged.
	Disconnect        func(context.Context) error
	DisconnectTimeout time.Duration
	Buffer            int
}

// Subscriber is a single-use stream subscription.
type Subscriber struct {
	cfg    Config
	events chan Event

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
}

// New returns a subscriber for cfg.
func New(cfg Config) *Subscriber {
	if cfg.Event == "" {
		cfg.Event = model.DefaultStreamEvent
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = defaultDisconnectTimeout
	}
	return &Subscriber{
		cfg:    cfg,
		events: make(chan Event, cfg.Buffer),
		done:   make(chan struct{}),
	}
}

// Start opens the connection. The returned channel is closed after Close
// or, without a reconnect policy, after the first transport error.
func (s *Subscriber) Start(ctx context.Context) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.started {
		return nil, ErrAlreadyStarted
	}
	if strings.TrimSpace(s.cfg.URL) == "" {
		return nil, errors.New("stream: url is empty")
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(ctx)
	return s.events, nil
}

// Close stops the subscription and waits for the reader to exit. It then
// fires the disconnect notification without waiting for it. Close is safe
// to call more than once and before Start.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		started := s.started
		cancel := s.cancel
		s.mu.Unlock()

		if started {
			cancel()
			<-s.done
		} else {
			close(s.events)
		}

		if started && s.cfg.Disconnect != nil {
			go s.notifyDisconnect()
		}
	})
}

func (s *Subscriber) notifyDisconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DisconnectTimeout)
	defer cancel()
	if err := s.cfg.Disconnect(ctx); err != nil {
		log.Printf("stream: disconnect notification failed: %v", err)
	}
}

func (s *Subscriber) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	var b *backoff.ExponentialBackOff
	if s.cfg.Reconnect.Enabled {
		b = newBackOff(s.cfg.Reconnect)
	}

	for {
		opened, err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		metrics.StreamErrors.Inc()
		log.Printf("stream: %v", err)
		s.emit(ctx, Event{Kind: EventError, Err: err})

		if b == nil {
			return
		}
		if opened {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			log.Printf("stream: giving up after %s", s.cfg.Reconnect.MaxElapsed)
			return
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func newBackOff(p ReconnectPolicy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	b.Reset()
	return b
}

// connect runs one connection until it fails. opened reports whether the
// response headers were accepted. The sse client never retries on its own;
// run owns the reconnect schedule.
func (s *Subscriber) connect(ctx context.Context) (opened bool, err error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := sse.NewClient(s.cfg.URL, sse.ClientMaxBufferSize(maxFrameSize))
	client.Connection = s.cfg.Client
	client.ReconnectStrategy = &backoff.StopBackOff{}
	if s.cfg.Headers != nil {
		for k, vs := range s.cfg.Headers() {
			if len(vs) > 0 {
				client.Headers[k] = vs[0]
			}
		}
	}

	var timedOut atomic.Bool
	var timer *time.Timer
	if s.cfg.ConnectTimeout > 0 {
		timer = time.AfterFunc(s.cfg.ConnectTimeout, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	var statusErr error
	client.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		if timer != nil && !timer.Stop() {
			resp.Body.Close()
			statusErr = fmt.Errorf("connect timeout after %s", s.cfg.ConnectTimeout)
			return statusErr
		}
		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			resp.Body.Close()
			statusErr = fmt.Errorf("connect %s: unexpected status %d", s.cfg.URL, resp.StatusCode)
			return statusErr
		}
		opened = true
		metrics.StreamConnects.Inc()
		log.Printf("stream: connected to %s", s.cfg.URL)
		s.emit(ctx, Event{Kind: EventOpen})
		return nil
	}

	err = client.SubscribeRawWithContext(attemptCtx, func(msg *sse.Event) {
		s.dispatch(ctx, msg)
	})
	switch {
	case statusErr != nil:
		return false, statusErr
	case !opened && timedOut.Load() && ctx.Err() == nil:
		return false, fmt.Errorf("connect timeout after %s", s.cfg.ConnectTimeout)
	case !opened && err != nil:
		return false, fmt.Errorf("connect %s: %w", s.cfg.URL, err)
	case err != nil:
		return true, fmt.Errorf("read: %w", err)
	}
	return opened, nil
}

func (s *Subscriber) dispatch(ctx context.Context, msg *sse.Event) {
	name := strings.TrimSpace(string(msg.Event))
	if name != s.cfg.Event {
		return
	}
	metrics.StreamEvents.WithLabelValues(name).Inc()
	s.emit(ctx, Event{
		Kind: EventMessage,
		Name: name,
		ID:   strings.TrimSpace(string(msg.ID)),
		Data: append([]byte(nil), msg.Data...),
	})
}

func (s *Subscriber) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
