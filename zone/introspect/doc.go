// Package introspect walks a zone from the outside. Everything is read
// through a types.MemoryReader starting from the zone descriptor address, so
// the same code serves the current process (LiveReader), another process or a
// saved heap image (Image).
//
// The walk takes no locks. Structures are published with single aligned
// stores, so every field read is either old or new, and a region that was
// unmapped or reformatted mid-walk shows up as a failed read or a trailer
// that no longer matches. Either ends the walk of that region; the rest of
// the zone is still reported.
package introspect

import "errors"

// ErrUnreadable indicates memory the reader could not access.
var ErrUnreadable = errors.New("introspect: memory not readable")
