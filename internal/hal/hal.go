// File: internal/hal/hal.go
// Package hal is the hardware abstraction layer: one capability-set
// interface over keyboard/mouse injection, screen capture, window queries
// and global hotkeys, with a concrete adapter per platform.
package hal

import (
	"context"
	"image"
	"time"

	"github.com/ModerRAS/keyforge/api/schemas"
)

// DefaultCallTimeout bounds a single HAL call when the caller supplies no
// tighter bound.
const DefaultCallTimeout = 250 * time.Millisecond

// Capabilities declares what an adapter supports. Unsupported capabilities
// are data, not call-time surprises: a call against a false flag fails
// immediately with HAL_UNSUPPORTED.
type Capabilities struct {
	Keyboard bool
	Mouse    bool
	Capture  bool
	Windows  bool
	Hotkeys  bool
}

// MouseRequest bundles the parameters of one mouse injection.
type MouseRequest struct {
	Position schemas.Point
	Action   schemas.MouseActionType
	Button   schemas.MouseButton
	Scroll   int
}

// WindowHandle identifies a window found by title pattern.
type WindowHandle struct {
	ID    int
	PID   int
	Title string
}

// HotkeyRegistration undoes a global hotkey binding.
type HotkeyRegistration interface {
	Unregister()
}

// HAL is the capability-set interface every platform adapter implements.
// All operations are synchronous from the caller's perspective but must not
// block longer than the configured call timeout; exceeding it fails with
// HAL_TIMEOUT. Input injection has real OS side effects, so callers must
// serialize concurrent requests through an Injector.
type HAL interface {
	Capabilities() Capabilities
	SendKey(ctx context.Context, key string, state schemas.KeyState) error
	SendMouse(ctx context.Context, req MouseRequest) error
	CaptureRegion(ctx context.Context, region image.Rectangle) (image.Image, error)
	FindWindow(ctx context.Context, titlePattern string) (WindowHandle, error)
	RegisterHotkey(id string, combo []string, fn func()) (HotkeyRegistration, error)
	// ReleaseAll releases any held keys and buttons. Called on stop and on
	// fatal errors so input devices are never left half-actuated.
	ReleaseAll(ctx context.Context) error
	Close() error
}

// errUnsupported builds the failure for a capability the adapter declared
// false.
func errUnsupported(adapter, capability string) error {
	return schemas.NewCodedError(schemas.ErrCodeHalUnsupported,
		adapter+" adapter does not support "+capability)
}

// callBounded runs op and enforces the timeout. The op runs in its own
// goroutine because the underlying OS calls are not context-aware; on
// timeout the result is abandoned and the caller gets HAL_TIMEOUT.
func callBounded(ctx context.Context, timeout time.Duration, name string, op func() error) error {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return schemas.WrapCoded(schemas.ErrCodeHalTimeout, name+" exceeded call timeout", ctx.Err())
	}
}
