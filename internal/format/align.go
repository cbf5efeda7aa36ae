package format

// Alignment utilities. All alignments passed here must be powers of two.

// AlignUp returns n rounded up to the next multiple of a.
//
// Example:
//
//	AlignUp(1, 16)    = 16
//	AlignUp(16, 16)   = 16
//	AlignUp(4097, 4096) = 8192
func AlignUp(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

// AlignDown returns n rounded down to a multiple of a.
//
// Example:
//
//	AlignDown(4097, 4096) = 4096
func AlignDown(n, a uintptr) uintptr {
	return n &^ (a - 1)
}

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

// IsAligned reports whether n is a multiple of a.
func IsAligned(n, a uintptr) bool {
	return n&(a-1) == 0
}
