//go:build unix

package filelock

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func TestAcquireRelease(t *testing.T) {
	path := PathFor(filepath.Join(t.TempDir(), "app.db"), "main")

	l, err := Acquire(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if !strings.HasPrefix(string(data), "pid:") {
		t.Fatalf("holder info: got %q", data)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestTimeoutNamesHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	held, err := Acquire(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	_, err = Acquire(context.Background(), path, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("second Acquire: got %v, want ErrTimeout", err)
	}
	if !strings.Contains(err.Error(), "pid") {
		t.Fatalf("timeout should name the holder: %v", err)
	}
}

func TestContextCancelStopsWaiting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	held, err := Acquire(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = Acquire(ctx, path, time.Minute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire: got %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("Acquire ignored the context")
	}
}

func TestConcurrentHolders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	const workers, rounds = 4, 10

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				l, err := Acquire(context.Background(), path, 5*time.Second)
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				v := atomic.LoadInt64(&counter)
				time.Sleep(time.Millisecond)
				atomic.StoreInt64(&counter, v+1)
				l.Release()
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != workers*rounds {
		t.Fatalf("counter: got %d, want %d (lost updates mean the lock leaked)", got, workers*rounds)
	}
}

func TestPathForSanitizesScope(t *testing.T) {
	got := PathFor("/data/app.db", "team/a b")
	if got != "/data/app.db.team_a_b.lock" {
		t.Fatalf("PathFor: got %q", got)
	}
}
