package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	t.Cleanup(store.Close)
	return New(cfg, store), store
}

func TestAdmitWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Limit: 5, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Admit(ctx, "client-a")
		if err != nil {
			t.Fatalf("Admit() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
		if want := 5 - (i + 1); res.Remaining != want {
			t.Errorf("request %d: Remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}
}

func TestAdmitDeniesOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Limit: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if res, _ := l.Admit(ctx, "client-a"); !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	res, err := l.Admit(ctx, "client-a")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if res.Allowed {
		t.Error("4th request should be denied")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, window]", res.RetryAfter)
	}
}

func TestAdmitKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Limit: 1, Window: time.Minute})
	ctx := context.Background()

	if res, _ := l.Admit(ctx, "client-a"); !res.Allowed {
		t.Fatal("first request for client-a should be allowed")
	}
	if res, _ := l.Admit(ctx, "client-a"); res.Allowed {
		t.Error("second request for client-a should be denied")
	}
	if res, _ := l.Admit(ctx, "client-b"); !res.Allowed {
		t.Error("client-b should not be affected by client-a's counter")
	}
}

func TestWindowReset(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	now := time.Now()
	store.now = func() time.Time { return now }

	l := New(Config{Limit: 2, Window: time.Minute}, store)
	ctx := context.Background()

	l.Admit(ctx, "client-a")
	l.Admit(ctx, "client-a")
	if res, _ := l.Admit(ctx, "client-a"); res.Allowed {
		t.Fatal("3rd request in window should be denied")
	}

	// Jump past the window boundary.
	now = now.Add(61 * time.Second)
	res, err := l.Admit(ctx, "client-a")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if !res.Allowed {
		t.Error("request after window reset should be allowed")
	}
	if res.Remaining != 1 {
		t.Errorf("Remaining after reset = %d, want 1", res.Remaining)
	}
}

func TestConcurrentFirstRequests(t *testing.T) {
	const limit = 10
	const goroutines = 50

	l, _ := newTestLimiter(t, Config{Limit: limit, Window: time.Minute})

	var allowed int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := l.Admit(context.Background(), "burst-key")
			if err != nil {
				t.Errorf("Admit() error = %v", err)
				return
			}
			if res.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if allowed != limit {
		t.Errorf("allowed = %d, want exactly %d", allowed, limit)
	}
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int, time.Time, error) {
	return 0, time.Time{}, errors.New("connection refused")
}

func TestFailClosedDefault(t *testing.T) {
	l := New(Config{Limit: 5, Window: time.Minute}, failingStore{})

	res, err := l.Admit(context.Background(), "client-a")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("error = %v, want ErrBackendUnavailable", err)
	}
	if res.Allowed {
		t.Error("fail-closed limiter should not admit on store failure")
	}
}

func TestFailOpen(t *testing.T) {
	l := New(Config{Limit: 5, Window: time.Minute, FailOpen: true}, failingStore{})

	res, err := l.Admit(context.Background(), "client-a")
	if err != nil {
		t.Fatalf("fail-open limiter returned error: %v", err)
	}
	if !res.Allowed {
		t.Error("fail-open limiter should admit on store failure")
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	now := time.Now()
	store.now = func() time.Time { return now }

	store.Incr(context.Background(), "old-key", time.Minute)
	now = now.Add(10 * time.Minute)
	store.Incr(context.Background(), "fresh-key", time.Minute)

	store.sweep(5 * time.Minute)

	store.mu.RLock()
	defer store.mu.RUnlock()
	if _, ok := store.counters["old-key"]; ok {
		t.Error("expired counter should have been swept")
	}
	if _, ok := store.counters["fresh-key"]; !ok {
		t.Error("live counter should survive the sweep")
	}
}

func TestMemoryStoreSweepKeepsLiveLongWindow(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	now := time.Now()
	store.now = func() time.Time { return now }

	window := 10 * time.Minute
	for i := 0; i < 3; i++ {
		store.Incr(context.Background(), "client", window)
	}

	// Six minutes in, the window is older than the sweep interval but
	// still open. The count must carry through the sweep.
	now = now.Add(6 * time.Minute)
	store.sweep(5 * time.Minute)

	count, _, err := store.Incr(context.Background(), "client", window)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if count != 4 {
		t.Errorf("count after sweep = %d, want 4", count)
	}
}

func TestMiddlewareDeniesWith429(t *testing.T) {
	gin.SetMode(gin.TestMode)

	l, _ := newTestLimiter(t, Config{Limit: 1, Window: time.Minute})

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.1.2.3:5000"
		router.ServeHTTP(w, req)
		return w
	}

	if w := do(); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}

	w := do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestMiddlewareFailClosed503(t *testing.T) {
	gin.SetMode(gin.TestMode)

	l := New(Config{Limit: 5, Window: time.Minute}, failingStore{})

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
