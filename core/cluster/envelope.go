package cluster

import (
	"strings"
	"time"

	"github.com/codewandler/shardkeeper/internal/reflector"
)

const (
	envHeaderKey    = "x-shard-key"
	reservedHdrPfx  = "x-shard-"
)

type EnvelopeOption func(*Envelope)

func WithHeader(key, value string) EnvelopeOption {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]string)
		}
		e.Headers[key] = value
	}
}

// WithTTL sets how long the envelope is valid for once created; expired
// envelopes are dropped by handlers before dispatch instead of being
// delivered to a possibly-stale destination.
func WithTTL(ttl time.Duration) EnvelopeOption {
	return func(e *Envelope) {
		e.TTLMs = ttl.Milliseconds()
	}
}

// Envelope wraps a message addressed to a logical destination path, e.g.
// "coordinator", "region:node-1" or "shard:orders:42". Unlike a fixed
// shard-ID scheme, the address space is just strings, letting the
// coordinator, regions and shards share one transport without agreeing on a
// shard count up front.
type Envelope struct {
	To          string            `json:"to"`
	Type        string            `json:"type"`
	Data        []byte            `json:"data"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	TTLMs       int64             `json:"ttl_ms,omitempty"`
	CreatedAtMs int64             `json:"created_at_ms,omitempty"`
}

func (e Envelope) GetHeader(key string) (string, bool) {
	if e.Headers == nil {
		return "", false
	}
	v, ok := e.Headers[key]
	return v, ok
}

// TTL returns the remaining time before the envelope expires, or 0 if it
// has no TTL or has already expired.
func (e Envelope) TTL() time.Duration {
	if e.TTLMs <= 0 || e.CreatedAtMs <= 0 {
		return 0
	}
	deadline := time.UnixMilli(e.CreatedAtMs).Add(time.Duration(e.TTLMs) * time.Millisecond)
	remaining := time.Until(deadline)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (e Envelope) Expired() bool {
	if e.TTLMs <= 0 || e.CreatedAtMs <= 0 {
		return false
	}
	return e.TTL() <= 0 && time.Now().UnixMilli() > e.CreatedAtMs
}

// Validate rejects envelopes that set reserved headers directly instead of
// through the option functions that own them (e.g. the routing key header).
func (e Envelope) Validate() error {
	for k := range e.Headers {
		lk := strings.ToLower(k)
		if lk == envHeaderKey {
			continue
		}
		if strings.HasPrefix(lk, reservedHdrPfx) {
			return ErrReservedHeader
		}
	}
	return nil
}

func getMessageType(v any) string {
	switch t := v.(type) {
	case interface{ messageType() string }:
		return t.messageType()
	case interface{ MessageType() string }:
		return t.MessageType()
	default:
		return reflector.TypeInfoOf(v).Name
	}
}
