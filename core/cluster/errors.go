package cluster

import "errors"

var (
	// Transport errors
	ErrTransportClosed     = errors.New("transport closed")
	ErrTransportNoSubscriber = errors.New("no subscriber for destination")

	// Envelope errors
	ErrEnvelopeExpired = errors.New("envelope TTL expired")
	ErrReservedHeader  = errors.New("cannot set reserved header")

	// Handler errors
	ErrHandlerTimeout   = errors.New("handler exceeded deadline")
	ErrKeyRequired      = errors.New("key is required")
	ErrMissingKeyHeader = errors.New("missing x-shard-key header")
)
