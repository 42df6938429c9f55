// File: internal/hal/hal_test.go
package hal

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/ModerRAS/keyforge/api/schemas"
)

func TestCallBoundedTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	err := callBounded(context.Background(), 20*time.Millisecond, "SlowCall", func() error {
		<-release
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, schemas.ErrCodeHalTimeout, schemas.CodeOf(err))
	assert.Contains(t, err.Error(), "SlowCall")
}

func TestCallBoundedPassesThrough(t *testing.T) {
	defer goleak.VerifyNone(t)

	sentinel := errors.New("op failed")
	assert.ErrorIs(t, callBounded(context.Background(), time.Second, "Op", func() error {
		return sentinel
	}), sentinel)
	assert.NoError(t, callBounded(context.Background(), time.Second, "Op", func() error {
		return nil
	}))
}

func TestMemoryRecordsEvents(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.SendKey(ctx, "a", schemas.KeyTap))
	require.NoError(t, mem.SendMouse(ctx, MouseRequest{
		Position: schemas.Point{X: 3, Y: 4},
		Action:   schemas.MouseClick,
		Button:   schemas.ButtonLeft,
	}))

	events := mem.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "key", events[0].Kind)
	assert.Equal(t, "a", events[0].Key)
	assert.Equal(t, "mouse", events[1].Kind)
	assert.Equal(t, schemas.Point{X: 3, Y: 4}, events[1].Mouse.Position)
}

func TestMemoryCaptureQueue(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	_, err := mem.CaptureRegion(ctx, image.Rectangle{})
	assert.Error(t, err, "no frames recorded yet")

	first := image.NewRGBA(image.Rect(0, 0, 10, 10))
	second := image.NewRGBA(image.Rect(0, 0, 20, 20))
	mem.PushFrame(first)
	mem.PushFrame(second)

	got, err := mem.CaptureRegion(ctx, image.Rectangle{})
	require.NoError(t, err)
	assert.Equal(t, 10, got.Bounds().Dx())

	// The last frame repeats once the queue drains.
	for i := 0; i < 3; i++ {
		got, err = mem.CaptureRegion(ctx, image.Rectangle{})
		require.NoError(t, err)
		assert.Equal(t, 20, got.Bounds().Dx())
	}
}

func TestMemoryCaptureRegionCrops(t *testing.T) {
	mem := NewMemory()
	mem.PushFrame(image.NewRGBA(image.Rect(0, 0, 100, 100)))

	got, err := mem.CaptureRegion(context.Background(), image.Rect(10, 20, 40, 50))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(10, 20, 40, 50), got.Bounds())
}

func TestMemoryCaptureTimeout(t *testing.T) {
	mem := NewMemory()
	mem.CaptureDelay = 200 * time.Millisecond
	mem.CallTimeout = 20 * time.Millisecond
	mem.PushFrame(image.NewRGBA(image.Rect(0, 0, 4, 4)))

	_, err := mem.CaptureRegion(context.Background(), image.Rectangle{})
	require.Error(t, err)
	assert.Equal(t, schemas.ErrCodeHalTimeout, schemas.CodeOf(err))
}

func TestMemoryHotkeys(t *testing.T) {
	mem := NewMemory()
	fired := 0
	reg, err := mem.RegisterHotkey("stop", []string{"ctrl", "q"}, func() { fired++ })
	require.NoError(t, err)

	assert.True(t, mem.TriggerHotkey("stop"))
	assert.Equal(t, 1, fired)

	reg.Unregister()
	assert.False(t, mem.TriggerHotkey("stop"))
	assert.Equal(t, 1, fired)

	_, err = mem.RegisterHotkey("bad", nil, func() {})
	assert.Error(t, err)
}

func TestMemoryFindWindow(t *testing.T) {
	mem := NewMemory()
	mem.AddWindow(WindowHandle{ID: 1, PID: 100, Title: "Game Client"})
	mem.AddWindow(WindowHandle{ID: 2, PID: 200, Title: "Launcher"})

	h, err := mem.FindWindow(context.Background(), `(?i)game`)
	require.NoError(t, err)
	assert.Equal(t, 1, h.ID)

	_, err = mem.FindWindow(context.Background(), `Nothing`)
	assert.Error(t, err)

	_, err = mem.FindWindow(context.Background(), `(unclosed`)
	require.Error(t, err)
	assert.Equal(t, schemas.ErrCodeInvalidInput, schemas.CodeOf(err))
}

func TestInjectorSerializes(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := NewMemory()
	in := NewInjector(mem, zaptest.NewLogger(t))
	ctx := context.Background()

	// Hammer the injector from many goroutines; the memory adapter records
	// every event, and the count proves no injection was lost to a race.
	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_ = in.SendKey(ctx, "x", schemas.KeyTap)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, mem.Events(), workers*perWorker)
	require.NoError(t, in.ReleaseAll(ctx))
	assert.Equal(t, 1, mem.ReleaseCount())
}
