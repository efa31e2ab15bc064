// Package task keeps the registry of tasks and the grants of their address
// spaces.
package task

import (
	"sort"
	"sync"

	"github.com/hnu-osdesign/kcore/kernel/context"
	"github.com/hnu-osdesign/kcore/kernel/irq"
)

// RootUID is the effective user id of the privileged principal.
const RootUID = 0

// ID identifies a task.
type ID uint64

// Task is a thread of control together with the resources the memory
// syscalls operate on.
type Task struct {
	ID   ID
	EUID uint32

	// Context holds the saved machine state.
	Context *context.Context

	// Grants holds the physical mappings of the task's address space.
	Grants *Grants

	// Frame is the trap frame saved when the task entered the kernel.
	Frame *irq.Frame
}

// IsRoot returns true if the task runs as the privileged principal.
func (t *Task) IsRoot() bool {
	return t.EUID == RootUID
}

// List is the registry of live tasks.
type List struct {
	mu     sync.RWMutex
	nextID ID
	tasks  map[ID]*Task
}

// NewList returns an empty registry. Task ids start at 1.
func NewList() *List {
	return &List{
		nextID: 1,
		tasks:  make(map[ID]*Task),
	}
}

// New registers a new task running as euid with a fresh context, an empty
// grant set and a zeroed trap frame.
func (l *List) New(euid uint32) *Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := &Task{
		ID:      l.nextID,
		EUID:    euid,
		Context: context.New(),
		Grants:  NewGrants(),
		Frame:   &irq.Frame{},
	}
	l.tasks[t.ID] = t
	l.nextID++

	return t
}

// Get returns the task with the supplied id.
func (l *List) Get(id ID) (*Task, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	t, ok := l.tasks[id]
	return t, ok
}

// Remove unregisters the task with the supplied id and returns it.
func (l *List) Remove(id ID) (*Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tasks[id]
	if ok {
		delete(l.tasks, id)
	}
	return t, ok
}

// Len returns the number of registered tasks.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.tasks)
}

// IDs returns the ids of all registered tasks in ascending order.
func (l *List) IDs() []ID {
	l.mu.RLock()
	ids := make([]ID, 0, len(l.tasks))
	for id := range l.tasks {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
