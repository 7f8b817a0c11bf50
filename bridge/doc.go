// Copyright (c) crtbridge Authors.
// Licensed under the MIT License.

/*
Package bridge exposes the engine's HTTP server to a managed runtime.

Managed code holds capsules (Server, Connection, Stream and the I/O
wrappers) and passes managed.Object callables. The engine notifies the
bridge from its own goroutines; each notification takes the runtime's
execution lock before it touches a managed value.

# Server teardown

A server is torn down by two independent events: the engine's
destroy-complete notification, which follows Release, and finalization
of the Server capsule, by Drop or by the garbage collector. Whichever
arrives second frees the backing struct. on_destroy_complete is invoked
only when destroy complete arrives first.

# Streams

A stream's callback references are released when the stream completes.
Its native stream is released when the Stream capsule is finalized.
*/
package bridge
