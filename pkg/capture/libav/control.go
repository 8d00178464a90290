package libav

import (
	"context"
	"fmt"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/logger"

	"github.com/cgutman/sunshine/pkg/capture"
	"github.com/cgutman/sunshine/pkg/observability"
	"github.com/cgutman/sunshine/pkg/xsync"
)

// Coordinator lazily starts the async and sync pipeline singletons on
// first reference, replacing the reference-counted process-wide globals
// the original design kept (capture_thread_async, capture_thread_sync):
// a pipeline starts when the first session needs it and becomes
// startable again once it stops.
type Coordinator struct {
	display    capture.Display
	descriptor *Descriptor
	caps       map[capture.VideoFormat]capture.Capabilities
	cfg        capture.Config
	opener     DisplayOpener

	pipelineMtx xsync.Mutex
	async       *AsyncPipeline
	sync        *SyncPipeline
}

func NewCoordinator(display capture.Display, descriptor *Descriptor, caps map[capture.VideoFormat]capture.Capabilities, cfg capture.Config, opener DisplayOpener) *Coordinator {
	return &Coordinator{
		display:    display,
		descriptor: descriptor,
		caps:       caps,
		cfg:        cfg,
		opener:     opener,
	}
}

// sessionPixelFormat is the conversion format a display hwdevice is
// asked for: the encoder's software pixel format for the session's
// dynamic range.
func (c *Coordinator) sessionPixelFormat(dr capture.DynamicRange) capture.PixelFormat {
	f := c.descriptor.StaticPixelFormat
	if dr == capture.DynamicRangeHDR {
		f = c.descriptor.DynamicPixelFormat
	}
	return astiavToCapturePixelFormat(f)
}

// Capture is the public session entry point: it guarantees the first
// packet is a keyframe, announces the touch port, and attaches the
// session to the pipeline the chosen encoder requires. It blocks until
// the session ends.
func (c *Coordinator) Capture(ctx context.Context, mailbox capture.Mailbox, sessionCfg capture.SessionConfig, channelData any) error {
	caps, ok := c.caps[sessionCfg.VideoFormat]
	if !ok {
		return &capture.SessionFatalError{Stage: "capture", Err: fmt.Errorf("codec %s was not probed for encoder %q", sessionCfg.VideoFormat, c.descriptor.Name)}
	}

	// The initial IDR request (0, 1) guarantees the first packet is a
	// keyframe.
	initialIDR := capture.IDR{StartFrame: 0, EndFrame: 1}

	raiseTouchPort := func() {
		select {
		case mailbox.TouchPortOut() <- capture.NewTouchPort(c.display, sessionCfg.Width, sessionCfg.Height):
		default:
		}
	}
	raiseTouchPort()

	if c.descriptor.Flags.Has(FlagSystemMemory) {
		return c.captureAsync(ctx, mailbox, sessionCfg, caps, channelData, initialIDR, raiseTouchPort)
	}
	return c.captureSync(ctx, mailbox, sessionCfg, caps, channelData, initialIDR)
}

func (c *Coordinator) captureAsync(ctx context.Context, mailbox capture.Mailbox, sessionCfg capture.SessionConfig, caps capture.Capabilities, channelData any, initialIDR capture.IDR, raiseTouchPort func()) error {
	// Two sessions arriving concurrently on a cold coordinator must not
	// both win the "first reference starts the pipeline" race, and a
	// pipeline that stopped must become startable again.
	var pipeline *AsyncPipeline
	c.pipelineMtx.Do(ctx, func() {
		if c.async == nil {
			async := NewAsyncPipeline(c.display, c.descriptor.HWDeviceType, c.opener)
			c.async = async
			runCtx := context.WithoutCancel(ctx)
			observability.GoSafe(runCtx, func() {
				if err := async.Run(runCtx); err != nil {
					logger.Errorf(runCtx, "async capture pipeline stopped: %v", err)
				}
				c.pipelineMtx.Do(runCtx, func() {
					if c.async == async {
						c.async = nil
					}
				})
			})
		}
		pipeline = c.async
	})

	hwDevice := c.display.MakeHwDevice(c.sessionPixelFormat(sessionCfg.DynamicRange))
	session, err := NewSession(ctx, c.descriptor, c.cfg, sessionCfg, caps, c.display.Width(), c.display.Height(), hwDevice)
	if err != nil {
		return err
	}
	defer session.Close()
	session.ConsumeIDR(initialIDR)

	delay := time.Second / time.Duration(sessionCfg.Framerate)
	images, reinit, unsubscribe := pipeline.Subscribe(ctx, delay)
	defer unsubscribe()

	return encodeRun(ctx, session, mailbox, channelData, images, reinit, delay, raiseTouchPort)
}

// captureSync registers a new session with the sync pipeline and
// blocks until the session's join event is raised.
func (c *Coordinator) captureSync(ctx context.Context, mailbox capture.Mailbox, sessionCfg capture.SessionConfig, caps capture.Capabilities, channelData any, initialIDR capture.IDR) error {
	var pipeline *SyncPipeline
	c.pipelineMtx.Do(ctx, func() {
		if c.sync == nil {
			sync := NewSyncPipeline(c.display)
			c.sync = sync
			runCtx := context.WithoutCancel(ctx)
			observability.GoSafe(runCtx, func() {
				if err := sync.Run(runCtx); err != nil {
					logger.Errorf(runCtx, "sync capture pipeline stopped: %v", err)
				}
				c.pipelineMtx.Do(runCtx, func() {
					if c.sync == sync {
						c.sync = nil
					}
				})
			})
		}
		pipeline = c.sync
	})

	hwDevice := c.display.MakeHwDevice(c.sessionPixelFormat(sessionCfg.DynamicRange))
	if hwDevice == nil {
		return &capture.SessionFatalError{Stage: "capture", Err: fmt.Errorf("display furnished no hardware device for encoder %q", c.descriptor.Name)}
	}
	session, err := NewSession(ctx, c.descriptor, c.cfg, sessionCfg, caps, c.display.Width(), c.display.Height(), hwDevice)
	if err != nil {
		return err
	}
	session.ConsumeIDR(initialIDR)

	sess := &syncSession{
		session:     session,
		mailbox:     mailbox,
		delay:       time.Second / time.Duration(sessionCfg.Framerate),
		nextFrame:   time.Now(),
		idrPending:  true,
		channelData: channelData,
		join:        make(chan struct{}),
	}
	pipeline.addSession(ctx, sess)

	select {
	case <-sess.join:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// encodeRun is the per-session consumer loop of the async pipeline:
// paced by the session's frame interval, it converts the next captured
// image waiting in its subscription queue and encodes it, resending the last frame as an
// I-frame carrier when an IDR is demanded with no new image in hand.
func encodeRun(
	ctx context.Context,
	session *Session,
	mailbox capture.Mailbox,
	channelData any,
	images <-chan *CapturedImage,
	reinit <-chan struct{},
	delay time.Duration,
	raiseTouchPort func(),
) error {
	idrPending := true
	haveFrame := false
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-mailbox.Shutdown():
			return nil
		case <-reinit:
			// The display was reopened; absolute pointer mapping may have
			// changed with it.
			raiseTouchPort()
		case idr := <-mailbox.IDR():
			session.ConsumeIDR(idr)
			idrPending = true
		case <-ticker.C:
			select {
			case ci, ok := <-images:
				if !ok {
					// Producer stopped; the session ends with it.
					return nil
				}
				err := session.hwDevice.Convert(ci.Image)
				ci.Release()
				if err != nil {
					return &capture.SessionFatalError{Stage: "encodeRun.convert", Err: err}
				}
				haveFrame = true
			default:
				if !idrPending || !haveFrame {
					continue
				}
				// An IDR is demanded but no fresh image arrived: resend
				// the last converted frame as the keyframe carrier.
			}
			frame, ok := session.hwDevice.Frame().(*astiav.Frame)
			if !ok {
				return &capture.SessionFatalError{Stage: "encodeRun.frame", Err: fmt.Errorf("scaling device produced no frame")}
			}
			if err := session.Encode(ctx, frame, idrPending, channelData, mailbox.VideoPackets()); err != nil {
				return err
			}
			idrPending = false
		}
	}
}
