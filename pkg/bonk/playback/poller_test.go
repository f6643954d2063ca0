package playback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/MixyLabs/bonk/pkg/bonk/mpv"
)

type fakeTargets struct {
	targets map[string]string

	mu      sync.Mutex
	batches []map[string]float64
}

func (f *fakeTargets) ProgressTargets() map[string]string { return f.targets }

func (f *fakeTargets) ApplyProgress(updates map[string]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batches = append(f.batches, updates)
}

func (f *fakeTargets) applied() []map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]map[string]float64(nil), f.batches...)
}

func touch(t *testing.T, dir, name string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("create %s: %v", path, err)
	}

	return path
}

func TestPollAppliesOneBatch(t *testing.T) {
	dir := t.TempDir()

	targets := &fakeTargets{targets: map[string]string{
		"a":       touch(t, dir, "a_local.sock"),
		"b":       touch(t, dir, "b_remote.sock"),
		"broken":  touch(t, dir, "broken_local.sock"),
		"missing": filepath.Join(dir, "missing_local.sock"),
	}}

	queried := map[string]bool{}
	query := func(_ context.Context, socket string) (float64, error) {
		queried[filepath.Base(socket)] = true

		switch filepath.Base(socket) {
		case "a_local.sock":
			return 0.25, nil
		case "b_remote.sock":
			return 0.75, nil
		default:
			return 0, mpv.ErrNoData
		}
	}

	p := NewPoller(zaptest.NewLogger(t).Sugar(), targets, query, 10*time.Millisecond)

	if n := p.Poll(context.Background()); n != 2 {
		t.Errorf("Poll() = %d, want 2", n)
	}

	if queried["missing_local.sock"] {
		t.Error("a missing socket must not be queried")
	}

	batches := targets.applied()
	if len(batches) != 1 {
		t.Fatalf("expected a single batch, got %d", len(batches))
	}
	if batches[0]["a"] != 0.25 || batches[0]["b"] != 0.75 {
		t.Errorf("unexpected batch %v", batches[0])
	}
	if _, ok := batches[0]["broken"]; ok {
		t.Error("a failed query must not produce an update")
	}
}

func TestPollWithoutTargets(t *testing.T) {
	targets := &fakeTargets{}
	query := func(context.Context, string) (float64, error) {
		return 0, errors.New("unexpected query")
	}

	p := NewPoller(zaptest.NewLogger(t).Sugar(), targets, query, 0)

	if n := p.Poll(context.Background()); n != 0 {
		t.Errorf("Poll() = %d, want 0", n)
	}
	if len(targets.applied()) != 0 {
		t.Error("no batch expected without targets")
	}
	if p.interval != DefaultPollInterval {
		t.Errorf("interval = %v, want %v", p.interval, DefaultPollInterval)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	dir := t.TempDir()
	targets := &fakeTargets{targets: map[string]string{"a": touch(t, dir, "a_local.sock")}}
	query := func(context.Context, string) (float64, error) { return 0.5, nil }

	p := NewPoller(zaptest.NewLogger(t).Sugar(), targets, query, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	waitFor(t, "a polled batch", func() bool { return len(targets.applied()) > 0 })

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestPollerWithManager(t *testing.T) {
	spawner := &fakeSpawner{t: t, percentPos: 40}
	m := newTestManager(t, spawner, true)

	id, _ := m.Play("/sounds/t.mp3", 80, 100)

	client := mpv.NewClient(zaptest.NewLogger(t).Sugar())
	p := NewPoller(zaptest.NewLogger(t).Sugar(), m, client.PercentPos, 100*time.Millisecond)

	if n := p.Poll(context.Background()); n != 1 {
		t.Fatalf("Poll() = %d, want 1", n)
	}

	if s, _ := m.Get(id); s.Progress != 0.4 {
		t.Errorf("Progress = %v, want 0.4", s.Progress)
	}

	local := spawner.spawned()[0]
	if !local.hasCommand("get_property", "percent-pos") {
		t.Errorf("expected the local leg to be queried, got %v", local.received())
	}
}
