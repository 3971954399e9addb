package filtergraph

import "errors"

// Negotiation errors leave both pins in a state where the connection can be retried
var (
	ErrAlreadyConnected  = errors.New("filtergraph: already connected")
	ErrDecommitted       = errors.New("filtergraph: allocator is decommitted")
	ErrDestroyed         = errors.New("filtergraph: object is destroyed")
	ErrNoAcceptableType  = errors.New("filtergraph: no acceptable media type")
	ErrNotConnected      = errors.New("filtergraph: not connected")
	ErrNotStopped        = errors.New("filtergraph: filter is not stopped")
	ErrNotSupported      = errors.New("filtergraph: capability not supported")
	ErrResourceExhausted = errors.New("filtergraph: resource exhausted")
	ErrTypeNotAccepted   = errors.New("filtergraph: media type not accepted")
	ErrUnexpected        = errors.New("filtergraph: unexpected call")
	ErrWrongState        = errors.New("filtergraph: wrong filter state")
)
