package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/shsh-relay/internal/store"
)

type fakeCreator struct {
	calls atomic.Int32
	err   error
}

func (f *fakeCreator) CreateConversation(context.Context) (string, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("thread-%d", n), nil
}

func TestResolveReusesHandle(t *testing.T) {
	t.Parallel()

	creator := &fakeCreator{}
	d := NewDirectory(creator)
	ctx := context.Background()

	first, err := d.Resolve(ctx, "alice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	second, err := d.Resolve(ctx, "alice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if first != second {
		t.Errorf("handles differ: %q vs %q", first, second)
	}
	if creator.calls.Load() != 1 {
		t.Errorf("creation calls = %d, want 1", creator.calls.Load())
	}

	if _, err := d.Resolve(ctx, "bob"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if creator.calls.Load() != 2 {
		t.Errorf("creation calls = %d, want 2 for distinct identities", creator.calls.Load())
	}
	if d.Len() != 2 {
		t.Errorf("Len = %d, want 2", d.Len())
	}
}

func TestResolveFailureLeavesDirectoryUnchanged(t *testing.T) {
	t.Parallel()

	upstreamErr := errors.New("connection refused")
	creator := &fakeCreator{err: upstreamErr}
	d := NewDirectory(creator)

	_, err := d.Resolve(context.Background(), "alice")
	if !errors.Is(err, ErrSessionCreate) || !errors.Is(err, upstreamErr) {
		t.Fatalf("err = %v, want ErrSessionCreate wrapping upstream error", err)
	}
	if d.Len() != 0 {
		t.Fatalf("Len = %d after failure, want 0", d.Len())
	}

	creator.err = nil
	if _, err := d.Resolve(context.Background(), "alice"); err != nil {
		t.Fatalf("retry Resolve failed: %v", err)
	}
	if creator.calls.Load() != 2 {
		t.Errorf("creation calls = %d, want 2", creator.calls.Load())
	}
}

func TestResolveConcurrentConverges(t *testing.T) {
	t.Parallel()

	d := NewDirectory(&fakeCreator{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Resolve(ctx, "alice"); err != nil {
				t.Errorf("Resolve failed: %v", err)
			}
		}()
	}
	wg.Wait()

	a, _ := d.Resolve(ctx, "alice")
	b, _ := d.Resolve(ctx, "alice")
	if a != b {
		t.Fatalf("handles did not converge: %q vs %q", a, b)
	}
	if d.Len() != 1 {
		t.Fatalf("Len = %d, want 1", d.Len())
	}
}

func TestForget(t *testing.T) {
	t.Parallel()

	creator := &fakeCreator{}
	d := NewDirectory(creator)
	ctx := context.Background()

	first, _ := d.Resolve(ctx, "alice")
	if !d.Forget(ctx, "alice") {
		t.Fatal("Forget reported no entry")
	}
	second, _ := d.Resolve(ctx, "alice")
	if first == second {
		t.Fatalf("expected a new handle after Forget, got %q twice", first)
	}
}

func TestResolveUsesPersistedHandle(t *testing.T) {
	t.Parallel()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer func() { _ = repo.Close() }()
	ctx := context.Background()

	creator := &fakeCreator{}
	first, err := NewDirectory(creator, WithRepository(repo)).Resolve(ctx, "alice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// A fresh directory (as after a restart) finds the stored handle.
	restarted := NewDirectory(creator, WithRepository(repo))
	second, err := restarted.Resolve(ctx, "alice")
	if err != nil {
		t.Fatalf("Resolve after restart failed: %v", err)
	}
	if first != second {
		t.Errorf("handle after restart = %q, want %q", second, first)
	}
	if creator.calls.Load() != 1 {
		t.Errorf("creation calls = %d, want 1", creator.calls.Load())
	}
}

func TestSweepEvictsIdleEntries(t *testing.T) {
	t.Parallel()

	clock := time.Unix(10_000, 0)
	d := NewDirectory(&fakeCreator{}, WithTTL(time.Hour))
	d.now = func() time.Time { return clock }
	ctx := context.Background()

	if _, err := d.Resolve(ctx, "idle"); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(50 * time.Minute)
	if _, err := d.Resolve(ctx, "active"); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(20 * time.Minute)

	if evicted := d.Sweep(ctx); evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if d.Len() != 1 {
		t.Fatalf("Len = %d, want 1", d.Len())
	}
}

func TestSweepDisabledWithoutTTL(t *testing.T) {
	t.Parallel()

	d := NewDirectory(&fakeCreator{})
	if _, err := d.Resolve(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	if evicted := d.Sweep(context.Background()); evicted != 0 {
		t.Fatalf("evicted = %d with TTL disabled", evicted)
	}
}
