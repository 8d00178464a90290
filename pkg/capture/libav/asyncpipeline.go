package libav

import (
	"context"
	"fmt"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"

	"github.com/cgutman/sunshine/pkg/capture"
)

// CapturedImage is one ring-borrowed frame handed to an async
// subscriber. The consumer must call Release exactly once when it is
// done reading Image, so the producer's imageRing sees the slot's
// reader count drop back to 1 and can reuse it.
type CapturedImage struct {
	Image   *capture.Image
	release func()
}

// Release returns this borrow to the image ring. Safe to call exactly
// once; a nil receiver (never produced by this package) is a no-op.
func (c *CapturedImage) Release() {
	if c != nil && c.release != nil {
		c.release()
	}
}

// captureSubscription is one async consumer's registration with the
// producer.
type captureSubscription struct {
	id     uint64
	delay  time.Duration
	images chan *CapturedImage
	// reinit receives one token per display reinitialization, so the
	// consumer can re-announce its touch port once capture resumes.
	reinit chan struct{}
	done   chan struct{}
}

// minDelay: the producer's pacing delay is always the minimum of every
// live subscription's delay.
func minDelay(subs map[uint64]*captureSubscription) time.Duration {
	var min time.Duration
	first := true
	for _, s := range subs {
		if first || s.delay < min {
			min = s.delay
			first = false
		}
	}
	if first {
		return time.Second
	}
	return min
}

// AsyncPipeline is the single capture thread shared by every
// system-memory encoder session: one producer goroutine snapshots the
// display into a round-robin image ring and fans the frames out to
// per-session subscriptions.
type AsyncPipeline struct {
	display      capture.Display
	hwDeviceType astiav.HardwareDeviceType
	opener       DisplayOpener

	ring *imageRing

	newSubChan    chan *captureSubscription
	removeSubChan chan uint64

	stats PipelineStats

	nextID uint64
}

// DisplayOpener reopens a Display on the capture back-end selected by
// memType after a transient display loss. Constructing a Display is the
// platform layer's job, so the control surface supplies this callback
// rather than the pipeline owning an "open" primitive itself. A nil
// opener leaves reinit a no-op pause, for a caller that manages display
// lifetime entirely outside this package.
type DisplayOpener func(ctx context.Context, memType capture.MemType) (capture.Display, error)

func NewAsyncPipeline(display capture.Display, hwDeviceType astiav.HardwareDeviceType, opener DisplayOpener) *AsyncPipeline {
	return &AsyncPipeline{
		display:       display,
		hwDeviceType:  hwDeviceType,
		opener:        opener,
		ring:          newImageRing(display.AllocImg),
		newSubChan:    make(chan *captureSubscription, 256),
		removeSubChan: make(chan uint64, 256),
	}
}

// Subscribe registers a new consumer with the given pacing delay. It
// returns the channel the consumer receives images on (closed when the
// producer stops), a reinit-notification channel, and an unsubscribe
// function.
func (p *AsyncPipeline) Subscribe(ctx context.Context, delay time.Duration) (<-chan *CapturedImage, <-chan struct{}, func()) {
	p.nextID++
	sub := &captureSubscription{
		id:     p.nextID,
		delay:  delay,
		images: make(chan *CapturedImage, 4),
		reinit: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	select {
	case p.newSubChan <- sub:
	default:
		logger.Errorf(ctx, "async pipeline: too many pending subscriptions")
	}
	unsub := func() {
		select {
		case p.removeSubChan <- sub.id:
		default:
		}
	}
	return sub.images, sub.reinit, unsub
}

// Run is the producer loop. It exits only on a pipeline-fatal
// condition (unrecoverable display error) or ctx cancellation; on the
// way out it stops every live subscription by closing its image
// channel, the fan-out equivalent of a scoped fail-guard.
func (p *AsyncPipeline) Run(ctx context.Context) error {
	subs := make(map[uint64]*captureSubscription)
	delay := time.Second
	nextFrame := time.Now()

	drainNew := func() {
		for {
			select {
			case s := <-p.newSubChan:
				subs[s.id] = s
			case id := <-p.removeSubChan:
				if s, ok := subs[id]; ok {
					close(s.done)
					delete(subs, id)
				}
			default:
				return
			}
		}
	}

	defer func() {
		drainNew()
		for _, s := range subs {
			close(s.images)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		drainNew()
		delay = minDelay(subs)

		slot := p.ring.Acquire()
		img := slot.Borrow()
		result, err := p.display.Snapshot(ctx, img, time.Second, true)
		switch result {
		case capture.SnapshotOK:
			p.stats.FramesCaptured.Add(1)
			for id, s := range subs {
				select {
				case <-s.done:
					delete(subs, id)
					continue
				default:
				}
				slot.Borrow()
				ci := &CapturedImage{Image: img, release: func() { p.ring.Release(slot) }}
				select {
				case s.images <- ci:
				default:
					logger.Warnf(ctx, "async pipeline: subscription %d queue full, dropping frame", id)
					p.ring.Release(slot)
				}
			}
			p.ring.Release(slot)
		case capture.SnapshotTimeout:
			p.stats.Timeouts.Add(1)
			p.ring.Release(slot)
			time.Sleep(time.Millisecond)
			continue
		case capture.SnapshotReinit:
			p.ring.Release(slot)
			if err := p.reinit(ctx); err != nil {
				// Only cancellation stops the reopen loop; the producer
				// winds down rather than failing.
				return err
			}
			for _, s := range subs {
				select {
				case s.reinit <- struct{}{}:
				default:
				}
			}
			continue
		default:
			p.ring.Release(slot)
			return &capture.PipelineFatalError{Stage: "async.snapshot", Err: err}
		}

		nextFrame = nextFrame.Add(delay)
		sleepUntil(nextFrame)
	}
}

// reinit recovers from transient display loss: drop the image ring and
// the display, then reopen with 200ms backoff between attempts. A
// display can stay gone for a while (driver reset, monitor replug), so
// the reopen loop retries until it succeeds; only ctx cancellation
// stops it.
func (p *AsyncPipeline) reinit(ctx context.Context) error {
	p.stats.Reinits.Add(1)
	if p.opener == nil {
		// No opener wired: the caller manages display lifetime entirely
		// outside this package and will swap p.display in directly.
		return nil
	}

	memType := mapDeviceType(p.hwDeviceType)
	var mErr *multierror.Error
	for attempt := 0; ; attempt++ {
		display, err := p.opener(ctx, memType)
		if err == nil {
			p.display = display
			p.ring = newImageRing(display.AllocImg)
			return nil
		}

		// Keep only the first few failures so a long outage doesn't
		// accumulate errors without bound; later ones are only logged.
		if attempt < 4 {
			mErr = multierror.Append(mErr, err)
		} else {
			logger.Debugf(ctx, "display reinit attempt %d failed: %v", attempt, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("display reinit aborted: %w", multierror.Append(mErr, ctx.Err()).ErrorOrNil())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func sleepUntil(t time.Time) {
	d := time.Until(t)
	if d > 0 {
		time.Sleep(d)
	}
}
