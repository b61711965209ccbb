package lb

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrExists        = errors.New("already exists")
	ErrNoInterface   = errors.New("unknown interface")
	ErrNoServer      = errors.New("no eligible server")
	ErrDeactive      = errors.New("service is not accepting new sessions")
	ErrRemoving      = errors.New("removal already in progress")
	ErrNoPrivateAddr = errors.New("service has no private address on the server interface")
	ErrPortExhausted = errors.New("ephemeral port pool exhausted")
	ErrIndexConflict = errors.New("session key already indexed")
	ErrModeMismatch  = errors.New("server already registered with another mode")
	ErrInvariant     = errors.New("internal index inconsistency")
)
