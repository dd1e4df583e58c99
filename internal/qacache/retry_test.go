package qacache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/youngjulesverne/rafael-chatbot/internal/config"
)

// busyError mimics modernc.org/sqlite's coded error.
type busyError struct{ code int }

func (e busyError) Error() string { return "database is locked" }
func (e busyError) Code() int     { return e.code }

// flakyStore fails the first n calls with err.
type flakyStore struct {
	mu    sync.Mutex
	n     int
	err   error
	calls int
	data  map[string]string
}

func (f *flakyStore) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.n {
		return f.err
	}
	return nil
}

func (f *flakyStore) Lookup(_ context.Context, q string) (string, bool, error) {
	if err := f.fail(); err != nil {
		return "", false, err
	}
	a, ok := f.data[NormalizeQuestion(q)]
	return a, ok, nil
}

func (f *flakyStore) Upsert(_ context.Context, q, a string) error {
	if err := f.fail(); err != nil {
		return err
	}
	if f.data == nil {
		f.data = make(map[string]string)
	}
	f.data[NormalizeQuestion(q)] = a
	return nil
}

func (f *flakyStore) Close() error { return nil }

func fastBackoff(attempts int) func() retry.Backoff {
	return config.RetryConfig{Attempts: attempts, Base: time.Millisecond, Max: 2 * time.Millisecond}.Backoff
}

func TestRetrying_RetriesBusy(t *testing.T) {
	inner := &flakyStore{n: 2, err: busyError{code: 5}}
	r := NewRetrying(inner, fastBackoff(4), nil)

	if err := r.Upsert(context.Background(), "q", "a"); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}

	answer, found, err := r.Lookup(context.Background(), "Q")
	if err != nil || !found || answer != "a" {
		t.Errorf("Lookup() = %q, %v, %v", answer, found, err)
	}
}

func TestRetrying_Exhausted(t *testing.T) {
	busy := busyError{code: 261} // SQLITE_BUSY_RECOVERY
	inner := &flakyStore{n: 10, err: busy}
	r := NewRetrying(inner, fastBackoff(3), nil)

	_, _, err := r.Lookup(context.Background(), "q")
	if !errors.Is(err, busy) {
		t.Fatalf("Lookup() error = %v, want busy error", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetrying_FatalNotRetried(t *testing.T) {
	fatal := errors.New("no such table: qa")
	inner := &flakyStore{n: 10, err: fatal}
	r := NewRetrying(inner, fastBackoff(5), nil)

	if err := r.Upsert(context.Background(), "q", "a"); !errors.Is(err, fatal) {
		t.Fatalf("Upsert() error = %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", busyError{code: 5}, true},
		{"locked", busyError{code: 6}, true},
		{"constraint", busyError{code: 19}, false},
		{"empty question", ErrEmptyQuestion, false},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.CacheConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "qa.db"),
		Retry:  config.RetryConfig{Attempts: 2, Base: time.Millisecond},
	}, nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()

	if _, ok := s.(*Retrying); !ok {
		t.Errorf("Open() = %T, want *Retrying", s)
	}
	if err := s.Upsert(ctx, "q", "a"); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(ctx, config.CacheConfig{Driver: "redis"}, nil); err == nil {
		t.Error("Open() with unknown driver should error")
	}
}

func TestKeyLocks_Serializes(t *testing.T) {
	var locks KeyLocks
	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("same")
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("holders at once = %d, want 1", maxSeen)
	}
	if locks.Len() != 0 {
		t.Errorf("Len() = %d after release, want 0", locks.Len())
	}
}

func TestKeyLocks_IndependentKeys(t *testing.T) {
	var locks KeyLocks
	unlockA := locks.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
}
