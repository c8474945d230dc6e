package quizcache

import "time"

const (
	defaultSchemaVersion = "v1"
	defaultMemoryTTL     = 5 * time.Minute
	defaultPersistTTL    = 15 * time.Minute
	defaultStaleFor      = time.Hour
	defaultGenRetention  = 30 * 24 * time.Hour
	defaultGenSweep      = time.Hour
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
