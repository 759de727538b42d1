package relay

import "errors"

// Sentinel errors for the relay domain.
var (
	ErrNoKeysAvailable    = errors.New("no keys available")
	ErrPoolCoolingDown    = errors.New("pool cooling down")
	ErrAccountRateLimited = errors.New("account rate limited")
	ErrModelSaturated     = errors.New("model concurrency exhausted")
	ErrQueueFull          = errors.New("queue full")
	ErrQueueTimeout       = errors.New("queue timeout")
	ErrBodyTooLarge       = errors.New("request body too large")
	ErrDraining           = errors.New("server draining")
	ErrNotFound           = errors.New("not found")
)
