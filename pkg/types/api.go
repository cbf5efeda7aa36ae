package types

// -----------------------------------------------------------------------------
// Typed Errors (stable categories for programmatic handling)
// -----------------------------------------------------------------------------

// ErrKind classifies errors so callers can branch on intent rather than text.
type ErrKind int

const (
	ErrKindNoMemory ErrKind = iota // the kernel refused memory
	ErrKindOverflow                // size arithmetic wrapped before any allocation
	ErrKindInvalid                 // bad argument (alignment, foreign pointer)
	ErrKindCorrupt                 // heap metadata is inconsistent; fatal
	ErrKindFormat                  // malformed descriptor or image
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNoMemory:
		return "no-memory"
	case ErrKindOverflow:
		return "overflow"
	case ErrKindInvalid:
		return "invalid"
	case ErrKindCorrupt:
		return "corrupt"
	case ErrKindFormat:
		return "format"
	default:
		return "unknown"
	}
}

// Error is a typed error with an optional underlying cause.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error // optional underlying cause
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind and message, so a sentinel still
// matches after With attaches a cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind && e.Msg == t.Msg
}

// With returns a copy of e carrying cause.
func (e *Error) With(cause error) *Error {
	return &Error{Kind: e.Kind, Msg: e.Msg, Err: cause}
}

// Sentinels commonly returned by implementations.
var (
	// ErrNoMemory indicates the virtual memory system refused a mapping.
	ErrNoMemory = &Error{Kind: ErrKindNoMemory, Msg: "cannot allocate memory"}
	// ErrOverflow indicates count * size (or size + alignment) wrapped.
	ErrOverflow = &Error{Kind: ErrKindOverflow, Msg: "allocation size overflows"}
	// ErrInvalidAlignment indicates an alignment that is not a power of two
	// at least the size of a pointer.
	ErrInvalidAlignment = &Error{Kind: ErrKindInvalid, Msg: "invalid alignment"}
	// ErrNotOwned indicates a pointer this zone did not hand out.
	ErrNotOwned = &Error{Kind: ErrKindInvalid, Msg: "pointer was not allocated by this zone"}
	// ErrDestroyed indicates use of a zone after Destroy.
	ErrDestroyed = &Error{Kind: ErrKindInvalid, Msg: "zone destroyed"}
	// ErrCorrupt indicates heap metadata failed a consistency check.
	ErrCorrupt = &Error{Kind: ErrKindCorrupt, Msg: "heap corruption detected"}
	// ErrDoubleFree indicates a block was freed while already free.
	ErrDoubleFree = &Error{Kind: ErrKindCorrupt, Msg: "pointer being freed was already freed"}
	// ErrBadImage indicates a descriptor or snapshot that cannot be walked.
	ErrBadImage = &Error{Kind: ErrKindFormat, Msg: "not a magzone image"}
)

// IsKind reports whether err is an *Error of kind k anywhere in its chain.
func IsKind(err error, k ErrKind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == k {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
