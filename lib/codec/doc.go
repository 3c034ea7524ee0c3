// Package codec provides the binary Writer and Reader that repository values
// use to serialize themselves.
//
// The engine treats the encoded bytes as an opaque payload: it never inspects
// them, it only stores and returns them. The helpers exist so that value types
// written by different callers share one compact, length-prefixed big endian
// encoding instead of each inventing their own.
//
// Encoding rules:
//   - fixed width integers are big endian
//   - strings and byte slices are prefixed with their length as uint32
//   - booleans are a single byte (0 or 1)
//
// A Reader never panics on truncated input; every read returns ErrShortBuffer
// instead, which the repository turns into a cache miss.
package codec
