package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"spark/internal/config"
	"spark/internal/paths"
)

func TestBridgeShutdownLeavesNoGoroutines(t *testing.T) {
	// The go-cache janitor lives until GC finalization, not ctx cancel.
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"))

	root := t.TempDir()
	if err := paths.EnsureLayout(root); err != nil {
		t.Fatalf("EnsureLayout failed: %v", err)
	}
	mgr := config.NewManager(paths.Tuneables(root), filepath.Join(root, paths.DriftFile))
	b := NewBridge(root, mgr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	// Let it heartbeat at least once, then stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop after cancel")
	}

	if hb := ReadHeartbeat(root); hb == nil {
		t.Fatal("bridge never wrote a heartbeat")
	}
}
