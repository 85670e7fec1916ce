//go:build !linux

package traceprovider

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// ErrUnsupported is returned by Start on platforms without a reference
// trace-provider adapter. A full port would implement this package's
// Provider interface against the host's native facility (e.g. ETW on
// Windows, via the same callback/Handler contract).
var ErrUnsupported = errors.New("traceprovider: no reference adapter for this platform")

// UnsupportedProvider is a no-op Provider returned on platforms where no
// kernel-tracing reference adapter has been implemented.
type UnsupportedProvider struct {
	active atomic.Bool
}

// NewLinux exists only so call sites compile uniformly across platforms; on
// non-Linux it returns a provider whose Start always fails.
func NewLinux(_ Config, _ []string, _ *slog.Logger) *UnsupportedProvider {
	return &UnsupportedProvider{}
}

func (p *UnsupportedProvider) Start(_ context.Context, _ Handler) error { return ErrUnsupported }
func (p *UnsupportedProvider) Stop()                                     {}
func (p *UnsupportedProvider) IsActive() bool                            { return p.active.Load() }
