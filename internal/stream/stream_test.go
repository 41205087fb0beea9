package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testClient() *http.Client {
	return &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
}

// sseHandler writes frames, flushes, and holds the connection open until the
// client goes away.
func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, f := range frames {
			_, _ = io.WriteString(w, f)
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed early")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitClosed(t *testing.T, ch <-chan Event) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel not closed")
		}
	}
}

func TestSubscriber_ForwardsNamedMessages(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		sseHandler(
			": keep-alive\n\n",
			"event: heartbeat\ndata: ping\n\n",
			"event: object-detected\nid: 1\ndata: {\"defectType\":\"scratches\"}\n\n",
			"event:object-detected\r\ndata:{\"a\":\r\ndata:1}\r\n\r\n",
		)(w, r)
	}))
	defer srv.Close()

	sub := New(Config{
		URL:    srv.URL,
		Client: testClient(),
		Headers: func() http.Header {
			h := http.Header{}
			h.Set("Authorization", "Bearer tok")
			return h
		},
	})
	ch, err := sub.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, EventOpen, next(t, ch).Kind)

	first := next(t, ch)
	assert.Equal(t, EventMessage, first.Kind)
	assert.Equal(t, "object-detected", first.Name)
	assert.Equal(t, "1", first.ID)
	assert.JSONEq(t, `{"defectType":"scratches"}`, string(first.Data))

	second := next(t, ch)
	assert.Equal(t, "{\"a\":\n1}", string(second.Data))

	assert.Equal(t, "Bearer tok", gotAuth.Load())

	sub.Close()
	waitClosed(t, ch)
}

func TestSubscriber_StartTwice(t *testing.T) {
	srv := httptest.NewServer(sseHandler())
	defer srv.Close()

	sub := New(Config{URL: srv.URL, Client: testClient()})
	_, err := sub.Start(context.Background())
	require.NoError(t, err)

	_, err = sub.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	sub.Close()
	_, err = sub.Start(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscriber_CloseIsIdempotentAndFiresDisconnect(t *testing.T) {
	srv := httptest.NewServer(sseHandler())
	defer srv.Close()

	var disconnects atomic.Int32
	release := make(chan struct{})
	finished := make(chan struct{})
	sub := New(Config{
		URL:    srv.URL,
		Client: testClient(),
		Disconnect: func(ctx context.Context) error {
			disconnects.Add(1)
			defer close(finished)
			<-release
			return errors.New("backend unavailable")
		},
	})
	ch, err := sub.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventOpen, next(t, ch).Kind)

	closed := make(chan struct{})
	go func() {
		sub.Close()
		sub.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked on the disconnect notification")
	}
	waitClosed(t, ch)

	close(release)
	<-finished
	assert.Equal(t, int32(1), disconnects.Load())
}

func TestSubscriber_CloseBeforeStart(t *testing.T) {
	called := false
	sub := New(Config{
		URL: "http://127.0.0.1:1",
		Disconnect: func(context.Context) error {
			called = true
			return nil
		},
	})
	sub.Close()
	sub.Close()
	assert.False(t, called, "nothing to disconnect when never started")
}

func TestSubscriber_ErrorWithoutReconnect(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := New(Config{URL: srv.URL, Client: testClient()})
	defer sub.Close()

	ch, err := sub.Start(context.Background())
	require.NoError(t, err)

	ev := next(t, ch)
	assert.Equal(t, EventError, ev.Kind)
	assert.Contains(t, ev.Err.Error(), "500")
	waitClosed(t, ch)
	assert.Equal(t, int32(1), hits.Load())
}

func TestSubscriber_ReconnectsOneConnectionAtATime(t *testing.T) {
	var hits, open, maxOpen atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		cur := open.Add(1)
		defer open.Add(-1)
		for {
			m := maxOpen.Load()
			if cur <= m || maxOpen.CompareAndSwap(m, cur) {
				break
			}
		}
		if n < 3 {
			// drop the stream right after the headers
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			return
		}
		sseHandler("event: object-detected\ndata: {}\n\n")(w, r)
	}))
	defer srv.Close()

	sub := New(Config{
		URL:    srv.URL,
		Client: testClient(),
		Reconnect: ReconnectPolicy{
			Enabled:         true,
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
		},
	})
	ch, err := sub.Start(context.Background())
	require.NoError(t, err)

	var kinds []EventKind
	for {
		ev := next(t, ch)
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventMessage {
			break
		}
	}
	sub.Close()
	waitClosed(t, ch)

	assert.Equal(t, []EventKind{EventOpen, EventError, EventOpen, EventError, EventOpen, EventMessage}, kinds)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, int32(1), maxOpen.Load())
}

func TestSubscriber_HeadersRebuiltEveryAttempt(t *testing.T) {
	var (
		mu    sync.Mutex
		seen  []string
		calls atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		sseHandler("event: object-detected\ndata: {}\n\n")(w, r)
	}))
	defer srv.Close()

	sub := New(Config{
		URL:    srv.URL,
		Client: testClient(),
		Headers: func() http.Header {
			h := http.Header{}
			h.Set("Authorization", "Bearer tok-"+strconv.Itoa(int(calls.Add(1))))
			return h
		},
		Reconnect: ReconnectPolicy{Enabled: true, InitialInterval: 5 * time.Millisecond},
	})
	ch, err := sub.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, EventError, next(t, ch).Kind)
	assert.Equal(t, EventOpen, next(t, ch).Kind)
	assert.Equal(t, EventMessage, next(t, ch).Kind)
	sub.Close()
	waitClosed(t, ch)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Bearer tok-1", "Bearer tok-2"}, seen)
}

func TestSubscriber_LargeFrame(t *testing.T) {
	payload := `{"blob":"` + strings.Repeat("x", 200<<10) + `"}`
	srv := httptest.NewServer(sseHandler("event: object-detected\ndata: " + payload + "\n\n"))
	defer srv.Close()

	sub := New(Config{URL: srv.URL, Client: testClient()})
	ch, err := sub.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, EventOpen, next(t, ch).Kind)
	ev := next(t, ch)
	assert.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, payload, string(ev.Data))

	sub.Close()
	waitClosed(t, ch)
}

func TestSubscriber_ConnectTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	sub := New(Config{URL: srv.URL, Client: testClient(), ConnectTimeout: 50 * time.Millisecond})
	defer sub.Close()

	ch, err := sub.Start(context.Background())
	require.NoError(t, err)

	ev := next(t, ch)
	assert.Equal(t, EventError, ev.Kind)
	assert.Contains(t, ev.Err.Error(), "connect timeout")
}

func TestSubscriber_RepeatedStartCloseCycles(t *testing.T) {
	srv := httptest.NewServer(sseHandler("event: object-detected\ndata: {}\n\n"))
	defer srv.Close()

	for i := 0; i < 10; i++ {
		sub := New(Config{URL: srv.URL, Client: testClient()})
		ch, err := sub.Start(context.Background())
		require.NoError(t, err)
		assert.Equal(t, EventOpen, next(t, ch).Kind)
		sub.Close()
		waitClosed(t, ch)
	}
}

func TestSubscriber_ParentContextCancel(t *testing.T) {
	srv := httptest.NewServer(sseHandler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := New(Config{URL: srv.URL, Client: testClient()})
	defer sub.Close()

	ch, err := sub.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventOpen, next(t, ch).Kind)

	cancel()
	waitClosed(t, ch)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "open", EventOpen.String())
	assert.Equal(t, "message", EventMessage.String())
	assert.Equal(t, "error", EventError.String())
	assert.Equal(t, "unknown", EventKind(42).String())
}
