package cache

import "errors"

var (
	ErrInvalidTTL     = errors.New("cache ttl must be positive")
	ErrTTLExceedsMax  = errors.New("cache ttl exceeds configured maximum")
	ErrInvalidPayload = errors.New("cache payload must be valid JSON")
)
