package cqserve

import "errors"

var (
	// ErrAlreadyServing is returned when Start or a registration function is
	// called after the dispatcher has started. All contexts must be created
	// and armed before serving begins.
	ErrAlreadyServing = errors.New("cqserve: server already serving")

	// ErrShutdown is returned when Start is called on a server that has
	// already been shut down. Servers are not restartable.
	ErrShutdown = errors.New("cqserve: server shut down")

	// ErrNothingRegistered is returned by Start when no call contexts have
	// been registered: there would be nothing for the workers to dispatch.
	ErrNothingRegistered = errors.New("cqserve: no call contexts registered")

	// ErrTransportClosed is returned by in-repo transport clients once the
	// transport has shut down and no new calls are accepted.
	ErrTransportClosed = errors.New("cqserve: transport closed")

	// ErrCallAborted is returned by in-repo transport clients when an
	// in-flight call was abandoned by server shutdown or disconnect before a
	// terminal status was delivered.
	ErrCallAborted = errors.New("cqserve: call aborted")
)
