// File: internal/hal/injector.go
package hal

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ModerRAS/keyforge/api/schemas"
)

// Injector is the single-writer funnel for input injection. Every keyboard
// and mouse event the engine emits goes through one Injector so that two
// executions (the control loop and a user-triggered test action) can never
// interleave raw key/mouse events and corrupt device state.
type Injector struct {
	mu     sync.Mutex
	hal    HAL
	logger *zap.Logger
}

// NewInjector wraps a HAL adapter in the serialization lock.
func NewInjector(h HAL, logger *zap.Logger) *Injector {
	return &Injector{
		hal:    h,
		logger: logger.Named("injector"),
	}
}

// SendKey injects one keyboard event, serialized.
func (in *Injector) SendKey(ctx context.Context, key string, state schemas.KeyState) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.hal.SendKey(ctx, key, state)
}

// SendMouse injects one mouse event, serialized.
func (in *Injector) SendMouse(ctx context.Context, req MouseRequest) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.hal.SendMouse(ctx, req)
}

// ReleaseAll releases held keys/buttons. It takes the same lock so a release
// never races an in-flight injection.
func (in *Injector) ReleaseAll(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.hal.ReleaseAll(ctx); err != nil {
		in.logger.Warn("Failed to release input devices", zap.Error(err))
		return err
	}
	return nil
}
