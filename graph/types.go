package graph

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// TypeID is a stable tag naming a message type.
//
// Dispatch, assignability checks and checkpoints all work on TypeIDs rather
// than on Go reflection, so a payload's routing identity can be chosen by the
// application and survives renames of the Go type.
type TypeID string

// AnyType is the catch-all tag. Every type is assignable to it.
const AnyType TypeID = "any"

// Message is implemented by payloads that name their own type tag.
//
// Example:
//
//	type Dog struct{ Name string }
//
//	func (Dog) MessageType() graph.TypeID { return "pets.Dog" }
type Message interface {
	MessageType() TypeID
}

// TypeOf returns the tag of a payload. Payloads implementing Message report
// their own tag; everything else is tagged with its Go type name.
// A nil payload has no tag.
func TypeOf(v any) TypeID {
	if v == nil {
		return ""
	}
	if m, ok := v.(Message); ok {
		return m.MessageType()
	}
	return TypeID(reflect.TypeOf(v).String())
}

// TypeFor returns the tag of the static type T.
//
// The empty interface maps to AnyType. Types implementing Message through a
// value or pointer receiver report their declared tag.
func TypeFor[T any]() TypeID {
	rt := reflect.TypeFor[T]()
	if rt.Kind() == reflect.Interface {
		if rt.NumMethod() == 0 {
			return AnyType
		}
		return TypeID(rt.String())
	}

	var sample any
	if rt.Kind() == reflect.Pointer {
		sample = reflect.New(rt.Elem()).Interface()
	} else {
		sample = reflect.New(rt).Elem().Interface()
	}
	if m, ok := sample.(Message); ok {
		return m.MessageType()
	}
	return TypeID(rt.String())
}

// TypeRegistry records the declared supertype relation between tags.
//
// Declarations are collected while a workflow is being built. Freeze computes
// the transitive closure once, after which the registry is read-only and safe
// for concurrent use by every run of the workflow.
type TypeRegistry struct {
	mu       sync.RWMutex
	declared map[TypeID][]TypeID
	closure  map[TypeID]map[TypeID]struct{}
	frozen   bool
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		declared: make(map[TypeID][]TypeID),
	}
}

// Declare records that t is assignable to each of supertypes.
//
// Example:
//
//	types.Declare("pets.Dog", "pets.Animal")
//	types.Declare("pets.Animal", "pets.Thing")
//	types.Freeze()
//	types.IsAssignable("pets.Dog", "pets.Thing") // true
func (r *TypeRegistry) Declare(t TypeID, supertypes ...TypeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errors.New("type registry is frozen")
	}
	if t == "" {
		return errors.New("type tag must not be empty")
	}
	for _, s := range supertypes {
		if s == "" {
			return fmt.Errorf("type %s: supertype tag must not be empty", t)
		}
		if s == t {
			return fmt.Errorf("type %s cannot be its own supertype", t)
		}
		r.declared[t] = append(r.declared[t], s)
	}
	return nil
}

// Freeze computes the supertype closure of every declared tag. It is
// idempotent.
func (r *TypeRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return
	}
	r.closure = make(map[TypeID]map[TypeID]struct{}, len(r.declared))
	for t := range r.declared {
		r.closure[t] = r.walk(t)
	}
	r.frozen = true
}

// walk collects every tag reachable from t. Cycles are tolerated.
func (r *TypeRegistry) walk(t TypeID) map[TypeID]struct{} {
	seen := make(map[TypeID]struct{})
	stack := append([]TypeID(nil), r.declared[t]...)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[next]; ok || next == t {
			continue
		}
		seen[next] = struct{}{}
		stack = append(stack, r.declared[next]...)
	}
	return seen
}

// IsAssignable reports whether a value tagged from may be delivered to a
// handler or edge expecting to.
//
// A nil registry only knows identity and AnyType.
func (r *TypeRegistry) IsAssignable(from, to TypeID) bool {
	if from == to || to == AnyType {
		return true
	}
	if r == nil || from == "" {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.frozen {
		_, ok := r.closure[from][to]
		return ok
	}
	_, ok := r.walk(from)[to]
	return ok
}

// Supertypes returns the sorted supertype closure of t.
func (r *TypeRegistry) Supertypes(t TypeID) []TypeID {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.closure[t]
	if !r.frozen {
		set = r.walk(t)
	}
	out := make([]TypeID, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// declarations returns a canonical list of every declared edge of the
// relation, used by the workflow fingerprint.
func (r *TypeRegistry) declarations() []string {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for t, supers := range r.declared {
		for _, s := range supers {
			out = append(out, string(t)+"<:"+string(s))
		}
	}
	sort.Strings(out)
	return out
}
