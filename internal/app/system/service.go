// Package system provides the lifecycle contract every long-running
// gateway component implements, plus a Manager that starts and stops them
// deterministically.
package system

import (
	"context"

	core "github.com/r3e-network/integration-gateway/internal/app/core/service"
)

// Service represents a lifecycle-managed component. All application modules
// must implement this interface so the system manager can start and stop
// them deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises service metadata (layer, capabilities).
type DescriptorProvider interface {
	Descriptor() core.Descriptor
}

// NoopService is a convenient implementation of Service for modules that do
// not require background processing.
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string { return n.ServiceName }

func (NoopService) Start(context.Context) error { return nil }

func (NoopService) Stop(context.Context) error { return nil }
