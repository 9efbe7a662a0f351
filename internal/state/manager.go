// Package state implements the State Manager: the atomic mutation contract
// shared by every resource type the Orchestrator mutates (servers,
// schedules, profiles), described in spec.md §4.5.
package state

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/portel-dev/ncp/pkg/ncperrors"
)

// EventFunc receives state:saved / state:restored events.
type EventFunc func(event string, resourceType, resourceID string, at time.Time)

// resourceKey types a lock by (resourceType, resourceID); different types
// are independent per spec.md §4.5.
type resourceKey struct {
	resourceType string
	resourceID   string
}

// resourceLock is a FIFO mutex: a ticket-and-baton queue, so waiters acquire
// in arrival order rather than relying on sync.Mutex's unspecified wakeup
// order under contention.
type resourceLock struct {
	mu      sync.Mutex
	queue   *list.List
	holding bool
}

// acquire enqueues a baton and blocks until it is this caller's turn.
func (l *resourceLock) acquire() func() {
	l.mu.Lock()
	if !l.holding && l.queue.Len() == 0 {
		l.holding = true
		l.mu.Unlock()
		return l.release
	}
	baton := make(chan struct{})
	elem := l.queue.PushBack(baton)
	l.mu.Unlock()

	<-baton
	l.mu.Lock()
	l.queue.Remove(elem)
	l.holding = true
	l.mu.Unlock()
	return l.release
}

func (l *resourceLock) release() {
	l.mu.Lock()
	l.holding = false
	front := l.queue.Front()
	l.mu.Unlock()
	if front != nil {
		close(front.Value.(chan struct{}))
	}
}

// Manager owns every resource lock and its snapshot/restore backup, per the
// Ownership note in spec.md §3 ("The State Manager owns all backup
// snapshots and lock tables").
type Manager struct {
	mu    sync.Mutex
	locks map[resourceKey]*resourceLock

	backupsMu sync.Mutex
	backups   map[resourceKey]any

	onEvent EventFunc
	log     *slog.Logger
}

// New creates an empty Manager.
func New(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		locks:   make(map[resourceKey]*resourceLock),
		backups: make(map[resourceKey]any),
		log:     log.With("component", "state.Manager"),
	}
}

// OnEvent registers the callback invoked for state:saved / state:restored.
func (m *Manager) OnEvent(fn EventFunc) {
	m.mu.Lock()
	m.onEvent = fn
	m.mu.Unlock()
}

func (m *Manager) lockFor(key resourceKey) *resourceLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &resourceLock{queue: list.New()}
		m.locks[key] = l
	}
	return l
}

// Operation is the unit of work executeAtomic runs under lock. snapshot is
// whatever the caller considers "the affected portion of state" — typically
// a deep copy taken before operation runs, kept in the backup table while
// operation runs and after it fails.
type Operation func() error

// ExecuteAtomic acquires the (resourceType, resourceID) lock (FIFO queue of
// waiters), calls saveState(snapshot), runs operation, and on failure emits
// state:restored and returns the operation's error wrapped with its Kind
// unchanged. The Manager does not write snapshot back into any state; after
// a failure the backup stays readable through Snapshot. The lock is always
// released, on both the success and failure paths.
func (m *Manager) ExecuteAtomic(resourceType, resourceID string, snapshot any, operation Operation) error {
	key := resourceKey{resourceType: resourceType, resourceID: resourceID}
	l := m.lockFor(key)

	release := l.acquire()
	defer release()

	m.saveState(key, snapshot)

	if err := operation(); err != nil {
		m.restoreState(key)
		return ncperrors.Wrap(ncperrors.KindOf(err), "atomic operation on "+resourceType+"/"+resourceID+" failed", err)
	}

	m.clearStateBackup(key)
	return nil
}

func (m *Manager) saveState(key resourceKey, snapshot any) {
	m.backupsMu.Lock()
	m.backups[key] = snapshot
	m.backupsMu.Unlock()
	m.emit("state:saved", key)
}

// restoreState re-emits state:restored; the actual data restoration is the
// caller's responsibility (the Operation closure owns its own target and
// knows how to reset it to snapshot) — the Manager's job is sequencing and
// the backup table, not the domain-specific copy-back.
func (m *Manager) restoreState(key resourceKey) {
	m.emit("state:restored", key)
}

func (m *Manager) clearStateBackup(key resourceKey) {
	m.backupsMu.Lock()
	delete(m.backups, key)
	m.backupsMu.Unlock()
}

// Snapshot returns the last saved backup for (resourceType, resourceID), if
// any operation is currently in flight for it.
func (m *Manager) Snapshot(resourceType, resourceID string) (any, bool) {
	m.backupsMu.Lock()
	defer m.backupsMu.Unlock()
	v, ok := m.backups[resourceKey{resourceType: resourceType, resourceID: resourceID}]
	return v, ok
}

func (m *Manager) emit(event string, key resourceKey) {
	m.mu.Lock()
	fn := m.onEvent
	m.mu.Unlock()
	if fn != nil {
		fn(event, key.resourceType, key.resourceID, time.Now())
	}
}

// Cleanup drops every lock and backup. Idempotent, per spec.md §4.5.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	m.locks = make(map[resourceKey]*resourceLock)
	m.mu.Unlock()

	m.backupsMu.Lock()
	m.backups = make(map[resourceKey]any)
	m.backupsMu.Unlock()
}
