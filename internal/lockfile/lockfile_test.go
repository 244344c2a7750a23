package lockfile

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestExclusiveBlocksSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	h, err := Exclusive(path, time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err = Exclusive(path, 100*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("second acquire: want ErrLockTimeout, got %v", err)
	}

	h.Release()
	h2, err := Exclusive(path, time.Second)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	h2.Release()
}

func TestSharedAllowsConcurrentReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.md")

	h1, err := Shared(path, time.Second)
	if err != nil {
		t.Fatalf("first shared: %v", err)
	}
	defer h1.Release()

	h2, err := Shared(path, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("second shared: %v", err)
	}
	h2.Release()

	// A writer must wait for both readers.
	if _, err := Exclusive(path, 100*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("exclusive under shared: want ErrLockTimeout, got %v", err)
	}
}

func TestWithExclusiveReleasesOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mbox.json")

	wantErr := errors.New("boom")
	if err := WithExclusive(path, time.Second, func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("want fn error back, got %v", err)
	}

	// Lock must be free again.
	if err := WithExclusive(path, 200*time.Millisecond, func() error { return nil }); err != nil {
		t.Fatalf("reacquire after error: %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	h, err := Exclusive(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	h.Release()
	h.Release() // must not panic
}

func TestContendedSerializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter")

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = WithExclusive(path, 5*time.Second, func() error {
				mu.Lock()
				order = append(order, "enter")
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				order = append(order, "exit")
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	// Strict alternation: no two holders inside the critical section at once.
	joined := strings.Join(order, ",")
	if strings.Contains(joined, "enter,enter") {
		t.Fatalf("overlapping critical sections: %s", joined)
	}
}
