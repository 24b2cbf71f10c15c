// Package errors defines sentinel errors used across the portal coordination core.
package errors

import "errors"

// Sentinel errors for IPC transport.
var (
	// ErrUnreachable indicates the remote endpoint refused or dropped the connection.
	ErrUnreachable = errors.New("endpoint unreachable")

	// ErrTimeout indicates an operation timed out waiting for a reply.
	ErrTimeout = errors.New("operation timed out")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")

	// ErrPayloadTooLarge indicates an incoming frame exceeded the size cap.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Sentinel errors for coordination.
var (
	// ErrNotHub indicates a hub-only operation was invoked on a client.
	ErrNotHub = errors.New("not the hub")

	// ErrNotRegistered indicates the instance has no confirmed registration.
	ErrNotRegistered = errors.New("instance not registered")

	// ErrUnknownInstance indicates the referenced instance id is not in the cluster.
	ErrUnknownInstance = errors.New("unknown instance")
)
