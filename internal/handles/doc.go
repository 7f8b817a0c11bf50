// Package handles provides a handle table for backing structs that native
// callbacks refer to through opaque user data.
//
// Native code must not hold Go pointers across calls, so the engine is given a
// Handle instead and resolves it on every notification. The table doubles as
// the bridge's allocator: Alloc is the calloc, Free is the release, and a
// second Free of the same handle is reported as a double free instead of
// corrupting state.
package handles
