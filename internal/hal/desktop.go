// File: internal/hal/desktop.go
package hal

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/go-vgo/robotgo"
	hook "github.com/robotn/gohook"
	"go.uber.org/zap"

	"github.com/ModerRAS/keyforge/api/schemas"
)

// modifierKeys are released by ReleaseAll in case a run died mid-chord.
var modifierKeys = []string{"ctrl", "shift", "alt", "cmd"}

// Desktop is the native adapter, backed by robotgo for injection/capture and
// gohook for global hotkeys. It supports the full capability set.
type Desktop struct {
	timeout time.Duration
	logger  *zap.Logger

	hookMu      sync.Mutex
	hookStarted bool

	// held tracks keys currently toggled down so ReleaseAll can undo them.
	heldMu sync.Mutex
	held   map[string]bool
}

// NewDesktop builds the native adapter. callTimeout bounds each HAL call.
func NewDesktop(callTimeout time.Duration, logger *zap.Logger) *Desktop {
	return &Desktop{
		timeout: callTimeout,
		logger:  logger.Named("hal.desktop"),
		held:    map[string]bool{},
	}
}

// Capabilities implements HAL.
func (d *Desktop) Capabilities() Capabilities {
	return Capabilities{Keyboard: true, Mouse: true, Capture: true, Windows: true, Hotkeys: true}
}

// SendKey implements HAL.
func (d *Desktop) SendKey(ctx context.Context, key string, state schemas.KeyState) error {
	if key == "" {
		return schemas.NewCodedError(schemas.ErrCodeInvalidInput, "empty key code")
	}
	return callBounded(ctx, d.timeout, "SendKey", func() error {
		switch state {
		case schemas.KeyDown:
			if err := robotgo.KeyToggle(key, "down"); err != nil {
				return err
			}
			d.heldMu.Lock()
			d.held[key] = true
			d.heldMu.Unlock()
			return nil
		case schemas.KeyUp:
			if err := robotgo.KeyToggle(key, "up"); err != nil {
				return err
			}
			d.heldMu.Lock()
			delete(d.held, key)
			d.heldMu.Unlock()
			return nil
		case schemas.KeyTap:
			return robotgo.KeyTap(key)
		default:
			return schemas.NewCodedError(schemas.ErrCodeInvalidInput, fmt.Sprintf("unknown key state %q", state))
		}
	})
}

// SendMouse implements HAL.
func (d *Desktop) SendMouse(ctx context.Context, req MouseRequest) error {
	button := string(req.Button)
	if button == "" {
		button = "left"
	}
	return callBounded(ctx, d.timeout, "SendMouse", func() error {
		switch req.Action {
		case schemas.MouseMove:
			robotgo.Move(req.Position.X, req.Position.Y)
			return nil
		case schemas.MousePress:
			robotgo.Move(req.Position.X, req.Position.Y)
			return robotgo.Toggle(button, "down")
		case schemas.MouseRelease:
			robotgo.Move(req.Position.X, req.Position.Y)
			return robotgo.Toggle(button, "up")
		case schemas.MouseClick:
			robotgo.Move(req.Position.X, req.Position.Y)
			robotgo.Click(button, false)
			return nil
		case schemas.MouseDoubleClick:
			robotgo.Move(req.Position.X, req.Position.Y)
			robotgo.Click(button, true)
			return nil
		case schemas.MouseScroll:
			robotgo.Scroll(0, req.Scroll)
			return nil
		default:
			return schemas.NewCodedError(schemas.ErrCodeInvalidInput, fmt.Sprintf("unknown mouse action %q", req.Action))
		}
	})
}

// CaptureRegion implements HAL. Screen grabs are slower than injection, so
// the bound is widened; the loop-level timeout still applies upstream.
func (d *Desktop) CaptureRegion(ctx context.Context, region image.Rectangle) (image.Image, error) {
	var img image.Image
	err := callBounded(ctx, 4*d.timeout, "CaptureRegion", func() error {
		var capErr error
		if region.Empty() {
			img, capErr = robotgo.CaptureImg()
		} else {
			img, capErr = robotgo.CaptureImg(region.Min.X, region.Min.Y, region.Dx(), region.Dy())
		}
		if capErr != nil {
			return capErr
		}
		if img == nil {
			return schemas.NewCodedError(schemas.ErrCodeInvalidInput, "screen capture returned no image")
		}
		return nil
	})
	return img, err
}

// FindWindow implements HAL.
func (d *Desktop) FindWindow(ctx context.Context, titlePattern string) (WindowHandle, error) {
	var handle WindowHandle
	err := callBounded(ctx, 4*d.timeout, "FindWindow", func() error {
		pids, err := robotgo.FindIds(titlePattern)
		if err != nil {
			return err
		}
		if len(pids) == 0 {
			return fmt.Errorf("no window matching %q", titlePattern)
		}
		pid := pids[0]
		handle = WindowHandle{ID: pid, PID: pid, Title: robotgo.GetTitle(pid)}
		return nil
	})
	return handle, err
}

// RegisterHotkey implements HAL using the gohook global event tap. The first
// registration starts the tap; unregistering the binding tears it down.
func (d *Desktop) RegisterHotkey(id string, combo []string, fn func()) (HotkeyRegistration, error) {
	if len(combo) == 0 {
		return nil, schemas.NewCodedError(schemas.ErrCodeInvalidInput, "empty hotkey combo")
	}
	d.hookMu.Lock()
	defer d.hookMu.Unlock()

	lowered := make([]string, len(combo))
	for i, k := range combo {
		lowered[i] = strings.ToLower(k)
	}
	hook.Register(hook.KeyDown, lowered, func(e hook.Event) {
		d.logger.Debug("Hotkey fired", zap.String("id", id))
		fn()
	})

	if !d.hookStarted {
		d.hookStarted = true
		go func() {
			s := hook.Start()
			<-hook.Process(s)
		}()
	}

	return &desktopHotkey{adapter: d, id: id}, nil
}

type desktopHotkey struct {
	adapter *Desktop
	id      string
	once    sync.Once
}

func (h *desktopHotkey) Unregister() {
	h.once.Do(func() {
		h.adapter.hookMu.Lock()
		defer h.adapter.hookMu.Unlock()
		if h.adapter.hookStarted {
			hook.End()
			h.adapter.hookStarted = false
		}
	})
}

// ReleaseAll implements HAL: lifts every tracked held key, the standard
// modifiers, and all mouse buttons.
func (d *Desktop) ReleaseAll(ctx context.Context) error {
	return callBounded(ctx, 4*d.timeout, "ReleaseAll", func() error {
		d.heldMu.Lock()
		held := make([]string, 0, len(d.held))
		for k := range d.held {
			held = append(held, k)
		}
		d.held = map[string]bool{}
		d.heldMu.Unlock()

		for _, k := range held {
			if err := robotgo.KeyToggle(k, "up"); err != nil {
				d.logger.Warn("Failed to release key", zap.String("key", k), zap.Error(err))
			}
		}
		for _, k := range modifierKeys {
			_ = robotgo.KeyToggle(k, "up")
		}
		for _, b := range []string{"left", "right", "center"} {
			_ = robotgo.Toggle(b, "up")
		}
		return nil
	})
}

// Close implements HAL.
func (d *Desktop) Close() error {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	if d.hookStarted {
		hook.End()
		d.hookStarted = false
	}
	return nil
}
