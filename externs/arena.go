package externs

import (
	"fmt"
	"reflect"

	"github.com/wippyai/fabric/errors"
)

// EventType identifies an arena lifecycle event.
type EventType uint8

const (
	EventCreated EventType = iota
	EventTaken
)

func (t EventType) String() string {
	if t == EventCreated {
		return "created"
	}
	return "taken"
}

// Event describes one arena lifecycle change.
type Event struct {
	Value any
	Ref   Ref
	Type  EventType
}

// Observer receives arena lifecycle events.
type Observer interface {
	OnExternEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnExternEvent calls f(e).
func (f ObserverFunc) OnExternEvent(e Event) { f(e) }

// Dropper is optionally implemented by values that need cleanup when the
// arena is cleared while they are still live.
type Dropper interface {
	Drop()
}

type slot struct {
	value any // *T box, nil when empty
	gen   uint16
}

// Arena is a generation-checked slot table of host objects.
type Arena struct {
	slots     []slot
	observers []Observer
	live      int
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Len returns the number of slots, live or empty.
func (a *Arena) Len() int {
	return len(a.slots)
}

// Live returns the number of slots holding a value.
func (a *Arena) Live() int {
	return a.live
}

// Subscribe adds an observer for lifecycle events.
func (a *Arena) Subscribe(o Observer) {
	a.observers = append(a.observers, o)
}

// Unsubscribe removes an observer.
func (a *Arena) Unsubscribe(o Observer) {
	for i, obs := range a.observers {
		if obs == o {
			a.observers = append(a.observers[:i], a.observers[i+1:]...)
			return
		}
	}
}

func (a *Arena) notify(e Event) {
	for _, o := range a.observers {
		o.OnExternEvent(e)
	}
}

// insert places box into the first empty slot, bumping its generation, or
// appends a new slot at generation zero.
func (a *Arena) insert(box any) Ref {
	for i := range a.slots {
		s := &a.slots[i]
		if s.value == nil {
			s.gen++
			s.value = box
			a.live++
			return NewRef(uint32(i), s.gen)
		}
	}
	if uint64(len(a.slots)) > uint64(^uint32(0)) {
		errors.Fatalf(errors.PhaseExterns, errors.KindOutOfBounds, "arena exhausted")
	}
	a.slots = append(a.slots, slot{value: box})
	a.live++
	return NewRef(uint32(len(a.slots)-1), 0)
}

// lookup returns the slot r refers to, faulting on anything but a live,
// current-generation handle.
func (a *Arena) lookup(r Ref) *slot {
	if r.IsNull() || r.IsConst() {
		errors.New(errors.PhaseExterns, errors.KindInvalidHandle).
			Value(uint64(r)).
			Detail("%s does not refer to an arena slot", r).
			Fatal().
			Panic()
	}
	idx := r.Index()
	if int64(idx) >= int64(len(a.slots)) {
		errors.New(errors.PhaseExterns, errors.KindOutOfBounds).
			Value(uint64(r)).
			Detail("%s: slot %d out of range (%d slots)", r, idx, len(a.slots)).
			Fatal().
			Panic()
	}
	s := &a.slots[idx]
	if s.gen != r.Generation() || s.value == nil {
		errors.New(errors.PhaseExterns, errors.KindStaleHandle).
			Value(uint64(r)).
			Detail("%s: slot is at generation %d, live=%v", r, s.gen, s.value != nil).
			Fatal().
			Panic()
	}
	return s
}

func unbox[T any](r Ref, s *slot) *T {
	p, ok := s.value.(*T)
	if !ok {
		errors.New(errors.PhaseExterns, errors.KindTypeMismatch).
			Value(uint64(r)).
			Detail("%s holds %s, not %s", r, boxedType(s.value), reflect.TypeFor[T]()).
			Fatal().
			Panic()
	}
	return p
}

func boxedType(box any) string {
	t := reflect.TypeOf(box)
	if t == nil {
		return "nothing"
	}
	if t.Kind() == reflect.Pointer {
		return t.Elem().String()
	}
	return t.String()
}

// Create stores v and returns its handle.
func Create[T any](a *Arena, v T) Ref {
	box := new(T)
	*box = v
	r := a.insert(box)
	a.notify(Event{Type: EventCreated, Ref: r, Value: v})
	return r
}

// Get returns the value r refers to. A stale handle or a value of another
// type is a fault.
func Get[T any](a *Arena, r Ref) T {
	return *unbox[T](r, a.lookup(r))
}

// GetMut returns a pointer to the value r refers to, valid until the value
// is taken.
func GetMut[T any](a *Arena, r Ref) *T {
	return unbox[T](r, a.lookup(r))
}

// Take removes the value r refers to and returns it, leaving the slot empty.
func Take[T any](a *Arena, r Ref) T {
	s := a.lookup(r)
	v := *unbox[T](r, s)
	s.value = nil
	a.live--
	a.notify(Event{Type: EventTaken, Ref: r, Value: v})
	return v
}

// Clear empties every slot, calling Drop on live values that implement
// Dropper. Generations are kept so outstanding handles stay stale.
func (a *Arena) Clear() {
	for i := range a.slots {
		s := &a.slots[i]
		if s.value == nil {
			continue
		}
		v := reflect.ValueOf(s.value).Elem().Interface()
		s.value = nil
		a.live--
		if d, ok := v.(Dropper); ok {
			d.Drop()
		}
		a.notify(Event{Type: EventTaken, Ref: NewRef(uint32(i), s.gen), Value: v})
	}
}

// GoString is used by %#v.
func (a *Arena) GoString() string {
	return fmt.Sprintf("externs.Arena{slots: %d, live: %d}", len(a.slots), a.live)
}
