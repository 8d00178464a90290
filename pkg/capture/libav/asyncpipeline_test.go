package libav

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgutman/sunshine/pkg/capture"
)

// fakeDisplay is a minimal capture.Display stub for exercising the
// pipelines without a real platform capture back-end.
type fakeDisplay struct {
	w, h int
}

func (f *fakeDisplay) Snapshot(ctx context.Context, img *capture.Image, timeout time.Duration, showCursor bool) (capture.SnapshotResult, error) {
	img.Width, img.Height = f.w, f.h
	return capture.SnapshotOK, nil
}
func (f *fakeDisplay) AllocImg() *capture.Image    { return &capture.Image{Width: f.w, Height: f.h} }
func (f *fakeDisplay) DummyImg(img *capture.Image) { img.Width, img.Height = f.w, f.h }
func (f *fakeDisplay) MakeHwDevice(capture.PixelFormat) capture.HwDevice {
	return nil
}
func (f *fakeDisplay) Width() int     { return f.w }
func (f *fakeDisplay) Height() int    { return f.h }
func (f *fakeDisplay) OffsetX() int   { return 0 }
func (f *fakeDisplay) OffsetY() int   { return 0 }
func (f *fakeDisplay) EnvWidth() int  { return f.w }
func (f *fakeDisplay) EnvHeight() int { return f.h }

func TestMinDelay_NoSubscriptions(t *testing.T) {
	assert.Equal(t, time.Second, minDelay(map[uint64]*captureSubscription{}))
}

// TestMinDelay_TracksFastestSubscription: the producer paces to the
// fastest live subscriber, not an average or the slowest.
func TestMinDelay_TracksFastestSubscription(t *testing.T) {
	subs := map[uint64]*captureSubscription{
		1: {id: 1, delay: 33 * time.Millisecond},
		2: {id: 2, delay: 16 * time.Millisecond},
		3: {id: 3, delay: 66 * time.Millisecond},
	}
	assert.Equal(t, 16*time.Millisecond, minDelay(subs))
}

func TestCapturedImage_ReleaseIsSafeOnNilReceiverAndNilFunc(t *testing.T) {
	var c *CapturedImage
	assert.NotPanics(t, func() { c.Release() })

	c = &CapturedImage{}
	assert.NotPanics(t, func() { c.Release() })

	called := false
	c = &CapturedImage{release: func() { called = true }}
	c.Release()
	assert.True(t, called)
}

// TestAsyncPipeline_SubscriberReceivesFramesAndCanReleaseThem exercises
// the producer/subscriber wiring end to end against a fake display: a
// subscriber must see frames flow and must be able to call Release on
// every one without the ring ever stalling.
func TestAsyncPipeline_SubscriberReceivesFramesAndCanReleaseThem(t *testing.T) {
	display := &fakeDisplay{w: 64, h: 64}
	p := NewAsyncPipeline(display, astiav.HardwareDeviceTypeNone, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(runDone)
	}()

	images, _, unsubscribe := p.Subscribe(ctx, time.Millisecond)
	defer unsubscribe()

	received := 0
	deadline := time.After(2 * time.Second)
	for received < imageRingSize*2 {
		select {
		case ci := <-images:
			require.NotNil(t, ci)
			ci.Release()
			received++
		case <-deadline:
			t.Fatalf("only received %d frames before timing out", received)
		}
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("pipeline did not stop after context cancellation")
	}
}

// TestAsyncPipeline_ReinitReopensDisplayThroughOpener: a wired
// DisplayOpener is called with the descriptor's device type mapped
// through mapDeviceType, and on success the pipeline swaps in the new
// display and a fresh image ring.
func TestAsyncPipeline_ReinitReopensDisplayThroughOpener(t *testing.T) {
	original := &fakeDisplay{w: 64, h: 64}
	replacement := &fakeDisplay{w: 32, h: 32}

	var gotMemType capture.MemType
	opener := func(ctx context.Context, memType capture.MemType) (capture.Display, error) {
		gotMemType = memType
		return replacement, nil
	}

	p := NewAsyncPipeline(original, astiav.HardwareDeviceTypeVaapi, opener)

	err := p.reinit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, capture.MemTypeVAAPI, gotMemType)
	assert.Same(t, replacement, p.display)
	assert.NotNil(t, p.ring)
}

// TestAsyncPipeline_ReinitRetriesUntilDisplayComesBack: a display that
// stays gone for several attempts is not fatal; the reopen loop keeps
// retrying until the opener succeeds.
func TestAsyncPipeline_ReinitRetriesUntilDisplayComesBack(t *testing.T) {
	original := &fakeDisplay{w: 64, h: 64}
	replacement := &fakeDisplay{w: 32, h: 32}

	attempts := 0
	opener := func(ctx context.Context, memType capture.MemType) (capture.Display, error) {
		attempts++
		if attempts <= 3 {
			return nil, fmt.Errorf("display still gone")
		}
		return replacement, nil
	}

	p := NewAsyncPipeline(original, astiav.HardwareDeviceTypeNone, opener)

	err := p.reinit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, attempts)
	assert.Same(t, replacement, p.display)
}

// TestAsyncPipeline_ReinitStopsOnlyOnCancellation: with the display
// never coming back, the reopen loop runs until the context is
// cancelled and reports the cancellation.
func TestAsyncPipeline_ReinitStopsOnlyOnCancellation(t *testing.T) {
	original := &fakeDisplay{w: 64, h: 64}
	opener := func(ctx context.Context, memType capture.MemType) (capture.Display, error) {
		return nil, fmt.Errorf("display still gone")
	}

	p := NewAsyncPipeline(original, astiav.HardwareDeviceTypeNone, opener)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- p.reinit(ctx) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Same(t, original, p.display, "a failed reopen must not replace the display")
	case <-time.After(5 * time.Second):
		t.Fatal("reinit did not stop after context cancellation")
	}
}

// TestAsyncPipeline_ReinitWithoutOpenerIsNoop covers the documented
// fallback for a caller that manages display lifetime outside this
// package entirely.
func TestAsyncPipeline_ReinitWithoutOpenerIsNoop(t *testing.T) {
	original := &fakeDisplay{w: 64, h: 64}
	p := NewAsyncPipeline(original, astiav.HardwareDeviceTypeNone, nil)

	err := p.reinit(context.Background())
	require.NoError(t, err)
	assert.Same(t, original, p.display)
}
