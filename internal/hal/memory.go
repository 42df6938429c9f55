// File: internal/hal/memory.go
package hal

import (
	"context"
	"fmt"
	"image"
	"regexp"
	"sync"
	"time"

	"github.com/ModerRAS/keyforge/api/schemas"
)

// InjectedEvent records one input event received by the Memory adapter.
type InjectedEvent struct {
	Kind  string // "key" or "mouse"
	Key   string
	State schemas.KeyState
	Mouse MouseRequest
	At    time.Time
}

// Memory is the dry-run adapter: it records every injected event instead of
// touching the OS, and serves captures from a queue of pre-recorded frames.
// It backs the --dry-run mode and the engine's tests.
type Memory struct {
	mu       sync.Mutex
	events   []InjectedEvent
	frames   []image.Image
	frameIdx int
	windows  []WindowHandle
	hotkeys  map[string]func()
	released int

	// Fault injection for tests: non-nil errors are returned by the
	// corresponding call.
	CaptureErr error
	SendErr    error
	// CaptureDelay makes CaptureRegion block, to exercise HAL timeouts.
	CaptureDelay time.Duration
	// CallTimeout bounds capture calls; zero means DefaultCallTimeout.
	CallTimeout time.Duration
}

// NewMemory builds an empty dry-run adapter.
func NewMemory() *Memory {
	return &Memory{hotkeys: map[string]func(){}}
}

// PushFrame queues a frame to be returned by subsequent captures. The last
// frame repeats once the queue is drained.
func (m *Memory) PushFrame(img image.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, img)
}

// AddWindow registers a window for FindWindow to discover.
func (m *Memory) AddWindow(h WindowHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = append(m.windows, h)
}

// Events returns a copy of everything injected so far.
func (m *Memory) Events() []InjectedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InjectedEvent, len(m.events))
	copy(out, m.events)
	return out
}

// ReleaseCount reports how many times ReleaseAll ran.
func (m *Memory) ReleaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// TriggerHotkey fires a registered hotkey callback, as the OS would.
func (m *Memory) TriggerHotkey(id string) bool {
	m.mu.Lock()
	fn, ok := m.hotkeys[id]
	m.mu.Unlock()
	if ok {
		fn()
	}
	return ok
}

// Capabilities implements HAL.
func (m *Memory) Capabilities() Capabilities {
	return Capabilities{Keyboard: true, Mouse: true, Capture: true, Windows: true, Hotkeys: true}
}

// SendKey implements HAL.
func (m *Memory) SendKey(ctx context.Context, key string, state schemas.KeyState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.events = append(m.events, InjectedEvent{Kind: "key", Key: key, State: state, At: time.Now()})
	return nil
}

// SendMouse implements HAL.
func (m *Memory) SendMouse(ctx context.Context, req MouseRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.events = append(m.events, InjectedEvent{Kind: "mouse", Mouse: req, At: time.Now()})
	return nil
}

// CaptureRegion implements HAL, serving queued frames cropped to the region.
func (m *Memory) CaptureRegion(ctx context.Context, region image.Rectangle) (image.Image, error) {
	var img image.Image
	err := callBounded(ctx, m.CallTimeout, "CaptureRegion", func() error {
		if m.CaptureDelay > 0 {
			time.Sleep(m.CaptureDelay)
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.CaptureErr != nil {
			return m.CaptureErr
		}
		if len(m.frames) == 0 {
			return fmt.Errorf("no frames recorded")
		}
		img = m.frames[m.frameIdx]
		if m.frameIdx < len(m.frames)-1 {
			m.frameIdx++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !region.Empty() {
		if sub, ok := img.(interface {
			SubImage(image.Rectangle) image.Image
		}); ok {
			img = sub.SubImage(region.Intersect(img.Bounds()))
		}
	}
	return img, nil
}

// FindWindow implements HAL.
func (m *Memory) FindWindow(ctx context.Context, titlePattern string) (WindowHandle, error) {
	if err := ctx.Err(); err != nil {
		return WindowHandle{}, err
	}
	re, err := regexp.Compile(titlePattern)
	if err != nil {
		return WindowHandle{}, schemas.WrapCoded(schemas.ErrCodeInvalidInput, "invalid title pattern", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.windows {
		if re.MatchString(w.Title) {
			return w, nil
		}
	}
	return WindowHandle{}, fmt.Errorf("no window matching %q", titlePattern)
}

// RegisterHotkey implements HAL.
func (m *Memory) RegisterHotkey(id string, combo []string, fn func()) (HotkeyRegistration, error) {
	if len(combo) == 0 {
		return nil, schemas.NewCodedError(schemas.ErrCodeInvalidInput, "empty hotkey combo")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hotkeys[id] = fn
	return &memoryHotkey{adapter: m, id: id}, nil
}

type memoryHotkey struct {
	adapter *Memory
	id      string
}

func (h *memoryHotkey) Unregister() {
	h.adapter.mu.Lock()
	defer h.adapter.mu.Unlock()
	delete(h.adapter.hotkeys, h.id)
}

// ReleaseAll implements HAL.
func (m *Memory) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
	return nil
}

// Close implements HAL.
func (m *Memory) Close() error { return nil }
