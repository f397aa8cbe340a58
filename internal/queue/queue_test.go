package queue

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spark/internal/paths"
	"spark/internal/types"
)

func testEvent(sessionID string, n int, ts time.Time) *types.Event {
	return &types.Event{
		EventType:   types.EventPreTool,
		HookEvent:   types.HookPreToolUse,
		SessionID:   sessionID,
		TraceID:     "tr_" + types.StableHash(sessionID, string(rune('0'+n))),
		Timestamp:   ts,
		MonotonicNS: int64(n),
		ToolName:    "Edit",
	}
}

func TestAppendAndDrain(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		require.NoError(t, Append(root, testEvent("s1", i, time.Now().UTC())))
	}

	r := NewReader(root)
	events, off, err := r.DrainNew(0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	require.Greater(t, off, int64(0))

	for i, e := range events {
		require.Equal(t, int64(i), e.MonotonicNS, "append order must be preserved")
	}
}

func TestCursorMonotonicity(t *testing.T) {
	root := t.TempDir()
	r := NewReader(root)

	for i := 0; i < 3; i++ {
		require.NoError(t, Append(root, testEvent("s1", i, time.Now().UTC())))
	}
	_, off1, err := r.DrainNew(0)
	require.NoError(t, err)
	require.NoError(t, r.Commit(off1))

	// Drained and committed events never come back.
	events, off2, err := r.DrainNew(0)
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, off1, off2)

	require.NoError(t, Append(root, testEvent("s1", 99, time.Now().UTC())))
	events, off3, err := r.DrainNew(0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int64(99), events[0].MonotonicNS)
	require.Greater(t, off3, off2, "cursor offsets only move forward")
}

func TestDrainBatchLimit(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 10; i++ {
		require.NoError(t, Append(root, testEvent("s1", i, time.Now().UTC())))
	}
	r := NewReader(root)

	first, off, err := r.DrainNew(4)
	require.NoError(t, err)
	require.Len(t, first, 4)
	require.NoError(t, r.Commit(off))

	second, _, err := r.DrainNew(0)
	require.NoError(t, err)
	require.Len(t, second, 6)
	require.Equal(t, int64(4), second[0].MonotonicNS)
}

func TestMalformedLinesSkipped(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Append(root, testEvent("s1", 0, time.Now().UTC())))

	f, err := os.OpenFile(paths.Events(root), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, Append(root, testEvent("s1", 1, time.Now().UTC())))

	events, _, err := NewReader(root).DrainNew(0)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestShrunkQueueResetsCursor(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 3; i++ {
		require.NoError(t, Append(root, testEvent("s1", i, time.Now().UTC())))
	}
	r := NewReader(root)
	_, off, err := r.DrainNew(0)
	require.NoError(t, err)
	require.NoError(t, r.Commit(off))

	// Simulate rotation: a fresh, shorter queue file.
	require.NoError(t, os.WriteFile(paths.Events(root), nil, 0644))
	require.NoError(t, Append(root, testEvent("s2", 7, time.Now().UTC())))

	events, _, err := r.DrainNew(0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "s2", events[0].SessionID)
}

func TestArchiveNeverDropsConcurrentAppends(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, paths.EnsureLayout(root))

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, Append(root, testEvent("s1", 0, old)))
	r := NewReader(root)
	_, off, err := r.DrainNew(0)
	require.NoError(t, err)
	require.NoError(t, r.Commit(off))

	// Appends race the archive rewrite; the queue lock serializes them so
	// none can land on the replaced inode.
	const n = 25
	done := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			if err := Append(root, testEvent("s2", i, time.Now().UTC())); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	require.NoError(t, Archive(root, 24*time.Hour))
	require.NoError(t, <-done)

	events, _, err := r.DrainNew(0)
	require.NoError(t, err)
	require.Len(t, events, n, "every append racing the archive must survive")
	for _, e := range events {
		require.Equal(t, "s2", e.SessionID)
	}
}

func TestArchiveMovesOldConsumedEvents(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, paths.EnsureLayout(root))

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, Append(root, testEvent("s1", 0, old)))
	require.NoError(t, Append(root, testEvent("s1", 1, time.Now().UTC())))

	r := NewReader(root)
	_, off, err := r.DrainNew(0)
	require.NoError(t, err)
	require.NoError(t, r.Commit(off))

	require.NoError(t, Archive(root, 24*time.Hour))

	// The fresh event survives in the live queue; nothing is replayed.
	events, _, err := r.DrainNew(0)
	require.NoError(t, err)
	require.Empty(t, events, "archive must not rewind past unarchived events")

	require.Equal(t, int64(0), r.Depth())
}
