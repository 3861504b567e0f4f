package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftflow/draftflow-go/contracts"
	"github.com/draftflow/draftflow-go/eventlog"
	"github.com/draftflow/draftflow-go/store"
)

func newWaitingProcess(t *testing.T, st *store.MemoryStore) *contracts.Process {
	t.Helper()
	proc := contracts.NewProcess("owner-1", contracts.FlowResearchFirst, []string{"go"})
	proc.CurrentStage = "persona-options"
	proc.Status = contracts.ProcessUserInputRequired
	proc.WaitingForInput = true
	_, err := st.CreateProcess(context.Background(), proc)
	require.NoError(t, err)
	return proc
}

func TestInputTimeoutFires(t *testing.T) {
	st := store.NewMemoryStore()
	log := eventlog.New(st)
	w := NewInputTimeoutWatcher(st, log, 20*time.Millisecond)
	defer w.Stop()

	proc := newWaitingProcess(t, st)
	w.InputRequested(proc.ID, contracts.RequestSelectOption)

	require.Eventually(t, func() bool {
		stored, err := st.LoadProcess(context.Background(), proc.ID)
		return err == nil && stored.Status == contracts.ProcessError
	}, time.Second, 5*time.Millisecond)

	stored, err := st.LoadProcess(context.Background(), proc.ID)
	require.NoError(t, err)
	assert.False(t, stored.WaitingForInput)
	assert.Equal(t, contracts.ErrInputTimeout.Error(), stored.ErrorMessage)

	events, err := log.ReadFrom(context.Background(), proc.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventProcessFailed, events[0].Type)
}

func TestInputTimeoutDisarmed(t *testing.T) {
	st := store.NewMemoryStore()
	log := eventlog.New(st)
	w := NewInputTimeoutWatcher(st, log, 20*time.Millisecond)
	defer w.Stop()

	proc := newWaitingProcess(t, st)
	w.InputRequested(proc.ID, contracts.RequestSelectOption)
	w.InputSatisfied(proc.ID)

	time.Sleep(60 * time.Millisecond)
	stored, err := st.LoadProcess(context.Background(), proc.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProcessUserInputRequired, stored.Status)
}

func TestInputTimeoutLosesRaceWithResponse(t *testing.T) {
	st := store.NewMemoryStore()
	log := eventlog.New(st)
	w := NewInputTimeoutWatcher(st, log, 20*time.Millisecond)
	defer w.Stop()

	proc := newWaitingProcess(t, st)
	w.InputRequested(proc.ID, contracts.RequestSelectOption)

	// A response lands before the timer fires but without disarming it.
	require.NoError(t, st.UpdateProcess(context.Background(), proc.ID, store.ProcessUpdate{
		Status:          store.Ptr(contracts.ProcessInProgress),
		WaitingForInput: store.Ptr(false),
	}))

	time.Sleep(60 * time.Millisecond)
	stored, err := st.LoadProcess(context.Background(), proc.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProcessInProgress, stored.Status)
	assert.Empty(t, stored.ErrorMessage)
}

func TestInputTimeoutRearmReplacesTimer(t *testing.T) {
	st := store.NewMemoryStore()
	log := eventlog.New(st)
	w := NewInputTimeoutWatcher(st, log, 50*time.Millisecond)
	defer w.Stop()

	proc := newWaitingProcess(t, st)
	w.InputRequested(proc.ID, contracts.RequestSelectOption)
	time.Sleep(30 * time.Millisecond)
	w.InputRequested(proc.ID, contracts.RequestSelectOption)
	time.Sleep(30 * time.Millisecond)

	// The replacement timer is still inside its window.
	stored, err := st.LoadProcess(context.Background(), proc.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProcessUserInputRequired, stored.Status)
}

func TestInputTimeoutStop(t *testing.T) {
	st := store.NewMemoryStore()
	log := eventlog.New(st)
	w := NewInputTimeoutWatcher(st, log, 20*time.Millisecond)

	proc := newWaitingProcess(t, st)
	w.InputRequested(proc.ID, contracts.RequestSelectOption)
	w.Stop()

	time.Sleep(60 * time.Millisecond)
	stored, err := st.LoadProcess(context.Background(), proc.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProcessUserInputRequired, stored.Status)

	// Arming after Stop is ignored.
	w.InputRequested(proc.ID, contracts.RequestSelectOption)
	time.Sleep(60 * time.Millisecond)
	stored, err = st.LoadProcess(context.Background(), proc.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProcessUserInputRequired, stored.Status)
}
