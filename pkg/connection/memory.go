package connection

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository keeps connections in a map. It is used in tests and
// behaves like Store: idempotent create and delete, namespace filtering, and
// operator rows that are visible only through Names.
type MemoryRepository struct {
	lock      sync.Mutex
	namespace Namespace
	rows      map[string]Connection

	// Errors injects failures by operation ("create", "delete", "list") and key.
	Errors map[string]map[Key]error

	Creates []Key
	Deletes []Key
	Lists   int
}

// NewMemoryRepository returns an empty repository for ns.
func NewMemoryRepository(ns Namespace) *MemoryRepository {
	return &MemoryRepository{namespace: ns, rows: map[string]Connection{}}
}

// AddOperatorConnection stores a row under an arbitrary name, outside the
// scanner's control.
func (m *MemoryRepository) AddOperatorConnection(name string, c Connection) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.rows[name] = c
}

// Names returns every stored connection name, managed or not, sorted.
func (m *MemoryRepository) Names() []string {
	m.lock.Lock()
	defer m.lock.Unlock()

	names := make([]string, 0, len(m.rows))
	for name := range m.rows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the managed connection stored under key.
func (m *MemoryRepository) Get(key Key) (Connection, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	name, ok := m.nameFor(key)
	if !ok {
		return Connection{}, false
	}
	return m.rows[name], true
}

// ResetCounters clears the recorded calls.
func (m *MemoryRepository) ResetCounters() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.Creates = nil
	m.Deletes = nil
	m.Lists = 0
}

// Writes returns the number of create and delete calls recorded.
func (m *MemoryRepository) Writes() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return len(m.Creates) + len(m.Deletes)
}

func (m *MemoryRepository) injected(op string, key Key) error {
	if m.Errors == nil {
		return nil
	}
	return m.Errors[op][key]
}

func (m *MemoryRepository) nameFor(key Key) (string, bool) {
	for name := range m.rows {
		if m.namespace.owns(name, key) {
			return name, true
		}
	}
	return "", false
}

// ListManaged implements the repository contract.
func (m *MemoryRepository) ListManaged(ctx context.Context) ([]Connection, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.Lists++
	if err := m.injected("list", ""); err != nil {
		return nil, err
	}

	seen := map[Key]string{}
	var result []Connection
	for name, c := range m.rows {
		key, display, ok := m.namespace.Parse(name)
		if !ok {
			continue
		}
		if prev, dup := seen[key]; dup {
			return nil, &NamespaceConflictError{Key: key, Sources: []string{prev, name}}
		}
		seen[key] = name
		instanceID, _ := m.namespace.InstanceID(key)
		result = append(result, Connection{
			Key:         key,
			InstanceID:  instanceID,
			DisplayName: display,
			Protocol:    c.Protocol,
			Address:     c.Address,
			Port:        c.Port,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// Create implements the repository contract.
func (m *MemoryRepository) Create(ctx context.Context, c Connection) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.Creates = append(m.Creates, c.Key)
	if err := m.injected("create", c.Key); err != nil {
		return err
	}
	if _, exists := m.nameFor(c.Key); exists {
		return nil
	}
	m.rows[m.namespace.Name(c.Key, c.DisplayName)] = c
	return nil
}

// Delete implements the repository contract.
func (m *MemoryRepository) Delete(ctx context.Context, key Key) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.Deletes = append(m.Deletes, key)
	if err := m.injected("delete", key); err != nil {
		return err
	}
	if name, ok := m.nameFor(key); ok {
		delete(m.rows, name)
	}
	return nil
}

// MemoryLocker is an in-process Locker. A single instance shared between
// several coordinators stands in for the database they would share.
type MemoryLocker struct {
	lock sync.Mutex
	held map[string]bool
}

// NewMemoryLocker returns a locker with nothing held.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]bool{}}
}

// TryLock implements Locker.
func (l *MemoryLocker) TryLock(ctx context.Context, name string) (Lock, bool, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true
	return &memoryLock{locker: l, name: name}, true, nil
}

// Held reports whether name is currently locked.
func (l *MemoryLocker) Held(name string) bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.held[name]
}

type memoryLock struct {
	locker *MemoryLocker
	name   string
	once   sync.Once
}

func (l *memoryLock) Unlock(ctx context.Context) error {
	l.once.Do(func() {
		l.locker.lock.Lock()
		defer l.locker.lock.Unlock()
		delete(l.locker.held, l.name)
	})
	return nil
}
