package graph

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
)

// ScopeID identifies a state scope: a named key/value area owned by one
// executor. The empty Name is the executor's default scope.
type ScopeID struct {
	ExecutorID string `json:"executor_id"`
	Name       string `json:"name,omitempty"`
}

func (s ScopeID) String() string {
	if s.Name == "" {
		return s.ExecutorID
	}
	return s.ExecutorID + "/" + s.Name
}

// MarshalText lets ScopeID key JSON maps in checkpoints.
func (s ScopeID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the form produced by MarshalText.
func (s *ScopeID) UnmarshalText(text []byte) error {
	id, name, _ := strings.Cut(string(text), "/")
	if id == "" {
		return fmt.Errorf("invalid scope id %q", text)
	}
	s.ExecutorID, s.Name = id, name
	return nil
}

// StateUpdate is one queued change to a scope key.
type StateUpdate struct {
	Key    string
	Value  any
	Delete bool
}

// SetState returns an update that stores value under key.
func SetState(key string, value any) StateUpdate {
	return StateUpdate{Key: key, Value: value}
}

// DeleteState returns an update that removes key.
func DeleteState(key string) StateUpdate {
	return StateUpdate{Key: key, Delete: true}
}

// PortableValue is a state or edge value exported for a checkpoint together
// with its type tag.
type PortableValue struct {
	Type  TypeID `json:"type"`
	Value any    `json:"value"`
}

// NewPortableValue wraps v with its tag.
func NewPortableValue(v any) PortableValue {
	return PortableValue{Type: TypeOf(v), Value: v}
}

// As returns the wrapped value as T.
func As[T any](pv PortableValue) (T, bool) {
	v, ok := pv.Value.(T)
	return v, ok
}

// StateScope is a key/value area exclusively owned by one executor.
//
// Handlers never write a scope directly: their updates are queued and
// published at the end of the superstep through WriteState, so every handler
// in a step observes the same committed view.
type StateScope struct {
	id     ScopeID
	mu     sync.RWMutex
	values map[string]any
}

// NewStateScope creates an empty scope.
func NewStateScope(id ScopeID) *StateScope {
	return &StateScope{id: id, values: make(map[string]any)}
}

// ID returns the scope identity.
func (s *StateScope) ID() ScopeID { return s.id }

// ReadKeys returns a sorted copy of the keys present in the scope.
func (s *StateScope) ReadKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Sorted(maps.Keys(s.values))
}

// Get returns the raw value stored under key.
func (s *StateScope) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	return v, ok
}

// ReadScopeState returns the value under key as T. A missing key and a value
// of another type both report false.
func ReadScopeState[T any](s *StateScope, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// WriteState applies a batch of queued updates.
//
// Every key must carry exactly one update; a key with more than one fails the
// whole batch with ErrStateWriteConflict and nothing is applied.
func (s *StateScope) WriteState(updates map[string][]StateUpdate) error {
	if err := validateUpdates(s.id, updates); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.apply(updates)
	return nil
}

func validateUpdates(id ScopeID, updates map[string][]StateUpdate) error {
	var conflicts []string
	for key, list := range updates {
		if len(list) > 1 {
			conflicts = append(conflicts, key)
		}
	}
	if len(conflicts) == 0 {
		return nil
	}
	sort.Strings(conflicts)
	return fmt.Errorf("%w: scope %s, keys %v", ErrStateWriteConflict, id, conflicts)
}

func (s *StateScope) apply(updates map[string][]StateUpdate) {
	for key, list := range updates {
		if len(list) == 0 {
			continue
		}
		u := list[0]
		if u.Delete {
			delete(s.values, key)
			continue
		}
		s.values[key] = u.Value
	}
}

// ExportStates returns a lazy sequence over a snapshot of the scope in key
// order. Values are deep copies: later writes to the scope, or in-place
// changes to its values, do not reach the snapshot.
func (s *StateScope) ExportStates() iter.Seq2[string, PortableValue] {
	s.mu.RLock()
	snapshot := make(map[string]any, len(s.values))
	for k, v := range s.values {
		snapshot[k] = cloneValue(v)
	}
	s.mu.RUnlock()

	return func(yield func(string, PortableValue) bool) {
		for _, key := range slices.Sorted(maps.Keys(snapshot)) {
			if !yield(key, NewPortableValue(snapshot[key])) {
				return
			}
		}
	}
}

// ImportState overwrites key with a copy of value.
func (s *StateScope) ImportState(key string, value PortableValue) {
	v := cloneValue(value.Value)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = v
}

// stateBuffer holds queued updates of one executor: those of a single
// handler invocation, or everything the executor published so far in the
// current superstep. Within a buffer the last write to a key wins.
type stateBuffer struct {
	executorID string
	updates    map[string]map[string]StateUpdate // scope name -> key -> update
	cleared    map[string]bool
}

func newStateBuffer(executorID string) *stateBuffer {
	return &stateBuffer{
		executorID: executorID,
		updates:    make(map[string]map[string]StateUpdate),
		cleared:    make(map[string]bool),
	}
}

func (b *stateBuffer) queue(scope string, u StateUpdate) {
	m, ok := b.updates[scope]
	if !ok {
		m = make(map[string]StateUpdate)
		b.updates[scope] = m
	}
	m[u.Key] = u
}

func (b *stateBuffer) clear(scope string) {
	b.cleared[scope] = true
	delete(b.updates, scope)
}

// merge layers later on top of b, as if later's operations had been queued
// on b after its own.
func (b *stateBuffer) merge(later *stateBuffer) {
	for scope := range later.cleared {
		b.clear(scope)
	}
	for scope, updates := range later.updates {
		for _, u := range updates {
			b.queue(scope, u)
		}
	}
}

// lookup resolves a read against the buffer. decided is false when the
// buffer has no opinion and the committed scope must be consulted.
func (b *stateBuffer) lookup(scope, key string) (value any, present, decided bool) {
	if u, ok := b.updates[scope][key]; ok {
		if u.Delete {
			return nil, false, true
		}
		return u.Value, true, true
	}
	if b.cleared[scope] {
		return nil, false, true
	}
	return nil, false, false
}

// overlayKeys applies the buffer's clears, writes and deletes of scope to a
// key set.
func (b *stateBuffer) overlayKeys(scope string, keys map[string]struct{}) {
	if b.cleared[scope] {
		clear(keys)
	}
	for k, u := range b.updates[scope] {
		if u.Delete {
			delete(keys, k)
		} else {
			keys[k] = struct{}{}
		}
	}
}

func (b *stateBuffer) empty() bool {
	return len(b.updates) == 0 && len(b.cleared) == 0
}

// stateManager owns every scope of one run and the updates published during
// the current superstep.
//
// Invocations of one executor are published in the order they finish and
// merged into a single per-executor buffer: a later invocation's write to a
// key replaces an earlier one, and later invocations read earlier ones'
// writes through lookupStaged. Committed scopes change only at commit.
type stateManager struct {
	mu      sync.Mutex
	scopes  map[ScopeID]*StateScope
	pending map[string]*stateBuffer // executor ID -> merged step updates
}

func newStateManager() *stateManager {
	return &stateManager{
		scopes:  make(map[ScopeID]*StateScope),
		pending: make(map[string]*stateBuffer),
	}
}

// scope returns the scope, creating it on first use.
func (m *stateManager) scope(id ScopeID) *StateScope {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scopes[id]
	if !ok {
		s = NewStateScope(id)
		m.scopes[id] = s
	}
	return s
}

// stage merges a finished invocation's buffer into its executor's step
// updates.
func (m *stateManager) stage(b *stateBuffer) {
	if b == nil || b.empty() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	staged, ok := m.pending[b.executorID]
	if !ok {
		staged = newStateBuffer(b.executorID)
		m.pending[b.executorID] = staged
	}
	staged.merge(b)
}

// lookupStaged resolves a read against the updates executorID published
// earlier in the current superstep.
func (m *stateManager) lookupStaged(executorID, scope, key string) (value any, present, decided bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged, ok := m.pending[executorID]
	if !ok {
		return nil, false, false
	}
	return staged.lookup(scope, key)
}

// stagedKeys returns scope's committed keys with executorID's staged updates
// applied.
func (m *stateManager) stagedKeys(executorID, scope string) map[string]struct{} {
	committed := m.scope(ScopeID{ExecutorID: executorID, Name: scope}).ReadKeys()
	keys := make(map[string]struct{}, len(committed))
	for _, k := range committed {
		keys[k] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if staged, ok := m.pending[executorID]; ok {
		staged.overlayKeys(scope, keys)
	}
	return keys
}

// discard drops every staged update.
func (m *stateManager) discard() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = make(map[string]*stateBuffer)
}

// commit turns each executor's staged updates into one WriteState batch per
// scope and publishes them. All batches are validated before any scope is
// written, so a failure in one scope leaves every scope untouched.
func (m *stateManager) commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.pending
	m.pending = make(map[string]*stateBuffer)
	if len(pending) == 0 {
		return nil
	}

	batches := make(map[ScopeID]map[string][]StateUpdate)
	batch := func(id ScopeID) map[string][]StateUpdate {
		b, ok := batches[id]
		if !ok {
			b = make(map[string][]StateUpdate)
			batches[id] = b
		}
		return b
	}

	for _, executorID := range slices.Sorted(maps.Keys(pending)) {
		buf := pending[executorID]
		for name := range buf.cleared {
			id := ScopeID{ExecutorID: executorID, Name: name}
			s, ok := m.scopes[id]
			if !ok {
				continue
			}
			b := batch(id)
			for _, key := range s.ReadKeys() {
				if _, rewritten := buf.updates[name][key]; rewritten {
					continue
				}
				b[key] = append(b[key], DeleteState(key))
			}
		}
		for name, updates := range buf.updates {
			b := batch(ScopeID{ExecutorID: executorID, Name: name})
			for key, u := range updates {
				b[key] = append(b[key], u)
			}
		}
	}

	ids := slices.SortedFunc(maps.Keys(batches), func(a, b ScopeID) int {
		if a.ExecutorID != b.ExecutorID {
			if a.ExecutorID < b.ExecutorID {
				return -1
			}
			return 1
		}
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	for _, id := range ids {
		if err := validateUpdates(id, batches[id]); err != nil {
			return err
		}
	}
	for _, id := range ids {
		s, ok := m.scopes[id]
		if !ok {
			s = NewStateScope(id)
			m.scopes[id] = s
		}
		s.mu.Lock()
		s.apply(batches[id])
		s.mu.Unlock()
	}
	return nil
}

// export captures every non-empty scope.
func (m *stateManager) export() map[ScopeID]map[string]PortableValue {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[ScopeID]map[string]PortableValue, len(m.scopes))
	for id, s := range m.scopes {
		values := make(map[string]PortableValue)
		for k, v := range s.ExportStates() {
			values[k] = v
		}
		if len(values) > 0 {
			out[id] = values
		}
	}
	return out
}

// importStates replaces every scope with the exported data.
func (m *stateManager) importStates(data map[ScopeID]map[string]PortableValue) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scopes = make(map[ScopeID]*StateScope, len(data))
	m.pending = make(map[string]*stateBuffer)
	for id, values := range data {
		s := NewStateScope(id)
		for k, v := range values {
			s.ImportState(k, v)
		}
		m.scopes[id] = s
	}
}
