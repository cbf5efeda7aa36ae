// Package types defines the public, dependency-free vocabulary of magzone:
// typed errors, allocator statistics, and the range/reader/recorder types used
// to enumerate a zone from outside.
//
// Design goals:
//   - Typed errors with stable categories (no-memory/overflow/invalid/corrupt).
//   - Plain value types that can be copied, compared and JSON encoded.
//   - Nothing here touches allocator memory.
//
// This package has no dependencies beyond the standard library.
package types
