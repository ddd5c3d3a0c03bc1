package statestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorhq/conductor/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIssueRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := model.IssueRecord{
		Issue: model.Issue{ID: "X-1", Title: "fix thing", Status: model.IssueOpen},
		Phase: model.PhasePending,
	}
	require.NoError(t, s.PutIssue(rec))

	got, ok, err := s.GetIssue("X-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fix thing", got.Issue.Title)

	list, err := s.ListIssues()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteIssue("X-1"))
	_, ok, err = s.GetIssue("X-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSlotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutSlot(model.WorkerSlot{ID: 0, State: model.SlotIdle, WorkspacePath: "/repo/.worker-0"}))
	require.NoError(t, s.PutSlot(model.WorkerSlot{ID: 1, State: model.SlotBusy, WorkspacePath: "/repo/.worker-1"}))

	slots, err := s.ListSlots()
	require.NoError(t, err)
	require.Len(t, slots, 2)
	require.Equal(t, 0, slots[0].ID)
	require.Equal(t, 1, slots[1].ID)
}

func TestLockLifecycle(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutLock(model.Lock{Resource: model.MainlineLockResource, HolderSlot: 2, AcquiredAt: time.Now()}))

	locks, err := s.ListLocks()
	require.NoError(t, err)
	require.Len(t, locks, 1)

	require.NoError(t, s.DeleteLock(model.MainlineLockResource))
	locks, err = s.ListLocks()
	require.NoError(t, err)
	require.Empty(t, locks)
}

func TestCountersRoundTrip(t *testing.T) {
	s := openTestStore(t)
	c, err := s.GetCounters()
	require.NoError(t, err)
	require.Zero(t, c.TotalIterations)

	require.NoError(t, s.PutCounters(model.Counters{TotalIterations: 5, SuccessfulCompletions: 2}))
	c, err = s.GetCounters()
	require.NoError(t, err)
	require.EqualValues(t, 5, c.TotalIterations)
	require.EqualValues(t, 2, c.SuccessfulCompletions)
}

func TestPendingCommandHistoryTrimmed(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()
	for i := 0; i < MaxCommandHistory+10; i++ {
		cmd := model.PendingCommand{
			ID:         time.Duration(i).String() + "-cmd",
			Kind:       model.CmdStatus,
			EnqueuedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, s.AppendPendingCommand(cmd))
	}

	cmds, err := s.ListPendingCommands()
	require.NoError(t, err)
	require.Len(t, cmds, MaxCommandHistory)
	// oldest surviving entry should be newer than the trimmed ones.
	require.True(t, cmds[0].EnqueuedAt.After(base) || cmds[0].EnqueuedAt.Equal(base.Add(10*time.Millisecond)))
}

func TestVersionIncrementsOnWrite(t *testing.T) {
	s := openTestStore(t)
	v0 := s.Version()
	require.NoError(t, s.PutSlot(model.WorkerSlot{ID: 0, State: model.SlotIdle}))
	require.Greater(t, s.Version(), v0)
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutIssue(model.IssueRecord{
		Issue: model.Issue{ID: "X-1", Blockers: []string{"X-0"}},
		Phase: model.PhasePending,
	}))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Issues, 1)

	snap.Issues[0].Issue.Blockers[0] = "mutated"
	got, _, err := s.GetIssue("X-1")
	require.NoError(t, err)
	require.Equal(t, "X-0", got.Issue.Blockers[0])
}
