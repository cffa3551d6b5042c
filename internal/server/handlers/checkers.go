package handlers

import (
	"context"
	"errors"
)

// Pinger is anything that can report reachability, such as a record store
// or a Redis cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts a Pinger to HealthChecker.
type PingChecker struct {
	Target Pinger
}

func (c PingChecker) CheckHealth(ctx context.Context) error {
	if c.Target == nil {
		return errors.New("health target not configured")
	}
	return c.Target.Ping(ctx)
}

// FuncChecker adapts a plain function to HealthChecker.
type FuncChecker func(ctx context.Context) error

func (f FuncChecker) CheckHealth(ctx context.Context) error {
	return f(ctx)
}
