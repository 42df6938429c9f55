// File: internal/hal/browser.go
package hal

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"regexp"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/ModerRAS/keyforge/api/schemas"
)

// Browser drives a Chrome/Chromium target over CDP. Input is injected with
// raw Input-domain events and capture uses Page screenshots, so the adapter
// automates anything the browser renders. Global hotkeys are not a browser
// concept; the capability flag is false and calls fail with HAL_UNSUPPORTED.
type Browser struct {
	timeout time.Duration
	logger  *zap.Logger

	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	ctx           context.Context

	// cursor tracks the synthetic pointer so press/release events carry the
	// position of the preceding move when the request omits one.
	cursor schemas.Point
}

// BrowserOptions configures the adapter.
type BrowserOptions struct {
	Headless    bool
	URL         string
	NavTimeout  time.Duration
	CallTimeout time.Duration
}

// NewBrowser launches a browser instance and navigates to the target URL.
func NewBrowser(ctx context.Context, opts BrowserOptions, logger *zap.Logger) (*Browser, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	b := &Browser{
		timeout:       opts.CallTimeout,
		logger:        logger.Named("hal.browser"),
		allocCancel:   allocCancel,
		browserCancel: browserCancel,
		ctx:           browserCtx,
	}

	if opts.URL != "" {
		navTimeout := opts.NavTimeout
		if navTimeout <= 0 {
			navTimeout = 30 * time.Second
		}
		navCtx, cancel := context.WithTimeout(browserCtx, navTimeout)
		defer cancel()
		if err := chromedp.Run(navCtx, chromedp.Navigate(opts.URL)); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to navigate to %q: %w", opts.URL, err)
		}
	}
	return b, nil
}

// Capabilities implements HAL.
func (b *Browser) Capabilities() Capabilities {
	return Capabilities{Keyboard: true, Mouse: true, Capture: true, Windows: true, Hotkeys: false}
}

// run executes chromedp actions against the browser context, bounded by the
// HAL call timeout.
func (b *Browser) run(ctx context.Context, name string, actions ...chromedp.Action) error {
	return callBounded(ctx, b.timeout, name, func() error {
		return chromedp.Run(b.ctx, actions...)
	})
}

// SendKey implements HAL using raw Input-domain key events.
func (b *Browser) SendKey(ctx context.Context, key string, state schemas.KeyState) error {
	if key == "" {
		return schemas.NewCodedError(schemas.ErrCodeInvalidInput, "empty key code")
	}
	down := chromedp.ActionFunc(func(c context.Context) error {
		return input.DispatchKeyEvent(input.KeyDown).WithKey(key).Do(c)
	})
	up := chromedp.ActionFunc(func(c context.Context) error {
		return input.DispatchKeyEvent(input.KeyUp).WithKey(key).Do(c)
	})
	switch state {
	case schemas.KeyDown:
		return b.run(ctx, "SendKey", down)
	case schemas.KeyUp:
		return b.run(ctx, "SendKey", up)
	case schemas.KeyTap:
		return b.run(ctx, "SendKey", down, up)
	default:
		return schemas.NewCodedError(schemas.ErrCodeInvalidInput, fmt.Sprintf("unknown key state %q", state))
	}
}

// SendMouse implements HAL using raw Input-domain mouse events.
func (b *Browser) SendMouse(ctx context.Context, req MouseRequest) error {
	x, y := float64(req.Position.X), float64(req.Position.Y)
	button := input.MouseButton(req.Button)
	if button == "" {
		button = input.Left
	}

	event := func(t input.MouseType, clicks int64) chromedp.Action {
		return chromedp.ActionFunc(func(c context.Context) error {
			p := input.DispatchMouseEvent(t, x, y).WithButton(button)
			if clicks > 0 {
				p = p.WithClickCount(clicks)
			}
			return p.Do(c)
		})
	}

	var err error
	switch req.Action {
	case schemas.MouseMove:
		err = b.run(ctx, "SendMouse", event(input.MouseMoved, 0))
	case schemas.MousePress:
		err = b.run(ctx, "SendMouse", event(input.MousePressed, 1))
	case schemas.MouseRelease:
		err = b.run(ctx, "SendMouse", event(input.MouseReleased, 1))
	case schemas.MouseClick:
		err = b.run(ctx, "SendMouse", event(input.MousePressed, 1), event(input.MouseReleased, 1))
	case schemas.MouseDoubleClick:
		err = b.run(ctx, "SendMouse",
			event(input.MousePressed, 1), event(input.MouseReleased, 1),
			event(input.MousePressed, 2), event(input.MouseReleased, 2))
	case schemas.MouseScroll:
		err = b.run(ctx, "SendMouse", chromedp.ActionFunc(func(c context.Context) error {
			return input.DispatchMouseEvent(input.MouseWheel, x, y).
				WithDeltaY(float64(-req.Scroll)).Do(c)
		}))
	default:
		return schemas.NewCodedError(schemas.ErrCodeInvalidInput, fmt.Sprintf("unknown mouse action %q", req.Action))
	}
	if err == nil {
		b.cursor = req.Position
	}
	return err
}

// CaptureRegion implements HAL with a clipped Page screenshot.
func (b *Browser) CaptureRegion(ctx context.Context, region image.Rectangle) (image.Image, error) {
	var buf []byte
	shot := chromedp.ActionFunc(func(c context.Context) error {
		p := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng)
		if !region.Empty() {
			p = p.WithClip(&page.Viewport{
				X:      float64(region.Min.X),
				Y:      float64(region.Min.Y),
				Width:  float64(region.Dx()),
				Height: float64(region.Dy()),
				Scale:  1,
			})
		}
		var err error
		buf, err = p.Do(c)
		return err
	})
	// Screenshots routinely exceed the injection bound; widen it.
	if err := callBounded(ctx, 8*b.timeout, "CaptureRegion", func() error {
		return chromedp.Run(b.ctx, shot)
	}); err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, schemas.WrapCoded(schemas.ErrCodeInvalidInput, "failed to decode screenshot", err)
	}
	return img, nil
}

// FindWindow implements HAL by scanning page targets for a title match.
func (b *Browser) FindWindow(ctx context.Context, titlePattern string) (WindowHandle, error) {
	re, err := regexp.Compile(titlePattern)
	if err != nil {
		return WindowHandle{}, schemas.WrapCoded(schemas.ErrCodeInvalidInput, "invalid title pattern", err)
	}
	var handle WindowHandle
	err = callBounded(ctx, 4*b.timeout, "FindWindow", func() error {
		targets, err := chromedp.Targets(b.ctx)
		if err != nil {
			return err
		}
		for i, t := range targets {
			if t.Type == "page" && re.MatchString(t.Title) {
				handle = WindowHandle{ID: i, Title: t.Title}
				return nil
			}
		}
		return fmt.Errorf("no page target matching %q", titlePattern)
	})
	return handle, err
}

// RegisterHotkey implements HAL; browsers have no global hotkey surface.
func (b *Browser) RegisterHotkey(string, []string, func()) (HotkeyRegistration, error) {
	return nil, errUnsupported("browser", "global hotkeys")
}

// ReleaseAll implements HAL by lifting the pointer buttons at the last known
// cursor position. Key state is per-event in CDP, so there is nothing held.
func (b *Browser) ReleaseAll(ctx context.Context) error {
	x, y := float64(b.cursor.X), float64(b.cursor.Y)
	release := func(btn input.MouseButton) chromedp.Action {
		return chromedp.ActionFunc(func(c context.Context) error {
			return input.DispatchMouseEvent(input.MouseReleased, x, y).
				WithButton(btn).WithClickCount(1).Do(c)
		})
	}
	return b.run(ctx, "ReleaseAll", release(input.Left), release(input.Right), release(input.Middle))
}

// Close implements HAL.
func (b *Browser) Close() error {
	b.browserCancel()
	b.allocCancel()
	return nil
}
