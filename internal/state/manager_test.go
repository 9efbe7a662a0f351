package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecuteAtomicRunsOperation(t *testing.T) {
	m := New(nil)
	var ran bool
	err := m.ExecuteAtomic("server", "git", nil, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestExecuteAtomicEmitsSavedAndRestoredOnFailure(t *testing.T) {
	m := New(nil)
	var events []string
	m.OnEvent(func(event, resourceType, resourceID string, at time.Time) {
		events = append(events, event)
	})

	err := m.ExecuteAtomic("server", "git", "snapshot", func() error {
		return errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, []string{"state:saved", "state:restored"}, events)
}

func TestExecuteAtomicClearsBackupOnSuccess(t *testing.T) {
	m := New(nil)
	err := m.ExecuteAtomic("server", "git", "snapshot", func() error { return nil })
	require.NoError(t, err)

	_, ok := m.Snapshot("server", "git")
	require.False(t, ok)
}

func TestDifferentResourceTypesAreIndependent(t *testing.T) {
	m := New(nil)
	var order []string
	var mu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = m.ExecuteAtomic("server", "git", nil, func() error {
			mu.Lock()
			order = append(order, "server")
			mu.Unlock()
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		_ = m.ExecuteAtomic("schedule", "git", nil, func() error {
			mu.Lock()
			order = append(order, "schedule")
			mu.Unlock()
			return nil
		})
	}()
	wg.Wait()

	require.Len(t, order, 2)
}

func TestLockSerializesSameResource(t *testing.T) {
	m := New(nil)
	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.ExecuteAtomic("server", "git", nil, func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxActive)
}

func TestCleanupIsIdempotent(t *testing.T) {
	m := New(nil)
	_ = m.ExecuteAtomic("server", "git", "snap", func() error { return nil })
	m.Cleanup()
	m.Cleanup()

	_, ok := m.Snapshot("server", "git")
	require.False(t, ok)
}
