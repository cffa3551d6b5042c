// Package cache provides the short-TTL read-through cache that sits in front
// of the durable rate limit record store.
//
// The cache is disposable: dropping it never loses correctness, a miss only
// costs a durable read. Writers must update the durable store first and only
// then refresh the cache.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sendguard/sendguard/internal/core"
)

// DefaultTTL is the default lifetime of a cached record.
const DefaultTTL = 5 * time.Minute

// Cache stores copies of rate limit records keyed by connection id.
type Cache interface {
	// Get returns a copy of the cached record, or ok=false on a miss.
	Get(ctx context.Context, connectionID string) (rec *core.Record, ok bool, err error)
	// Set stores a copy of rec unless a live entry already holds a higher
	// Version; an older read never replaces a newer write.
	Set(ctx context.Context, rec *core.Record) error
	// Delete evicts the entry for connectionID, if any.
	Delete(ctx context.Context, connectionID string) error
}

// Drivers accepted by the cache configuration.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverNone   = "none"
)

// ParseDriver normalizes a configured driver name.
func ParseDriver(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", DriverMemory:
		return DriverMemory, nil
	case DriverRedis:
		return DriverRedis, nil
	case DriverNone, "disabled", "off":
		return DriverNone, nil
	default:
		return "", fmt.Errorf("unsupported cache driver: %s", value)
	}
}

// Noop never stores anything; every Get is a miss.
type Noop struct{}

func (Noop) Get(context.Context, string) (*core.Record, bool, error) { return nil, false, nil }
func (Noop) Set(context.Context, *core.Record) error                 { return nil }
func (Noop) Delete(context.Context, string) error                    { return nil }

var _ Cache = Noop{}
