// Package externs implements the arena through which host objects cross
// into guest code as plain integer handles.
//
// A Ref packs a slot index and the slot's generation. Taking a value out of
// the arena empties its slot; the next Create that reuses the slot bumps the
// generation, so any Ref still holding the old generation faults on use
// instead of silently reaching the new occupant:
//
//	a := externs.NewArena()
//	ev := externs.Create(a, &GameEvent{Name: "round_start"})
//	externs.Get[*GameEvent](a, ev).Name // "round_start"
//	externs.Take[*GameEvent](a, ev)
//	externs.Get[*GameEvent](a, ev)      // panics: stale handle
//
// Faults are raised with panic carrying a fatal *errors.Error.
//
// An Arena is not safe for concurrent use; it belongs to one execution
// context and follows that context's serialization.
package externs
