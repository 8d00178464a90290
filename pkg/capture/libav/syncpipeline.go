package libav

import (
	"context"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/logger"

	"github.com/cgutman/sunshine/pkg/capture"
)

// syncSession is one session multiplexed onto the sync pipeline's
// single capture-and-encode thread.
type syncSession struct {
	session     *Session
	mailbox     capture.Mailbox
	delay       time.Duration
	nextFrame   time.Time
	idrPending  bool
	channelData any

	// imgPending is the latest captured image this session has not yet
	// converted; a session that wasn't due when the image arrived
	// converts it on its own next deadline.
	imgPending *capture.Image
	haveFrame  bool

	join     chan struct{}
	joinOnce sync.Once
}

func (s *syncSession) raiseJoin() {
	s.joinOnce.Do(func() { close(s.join) })
}

// nextSyncSessionWork is the soonest-deadline sweep, kept pure so the
// independent per-session scheduling is testable without a display or
// encoder attached.
func nextSyncSessionWork(now time.Time, sessions []*syncSession) (soonest time.Time, dueIdx []int) {
	first := true
	for _, s := range sessions {
		if first || s.nextFrame.Before(soonest) {
			soonest = s.nextFrame
			first = false
		}
	}
	for i, s := range sessions {
		if !s.nextFrame.After(now) {
			dueIdx = append(dueIdx, i)
		}
	}
	return soonest, dueIdx
}

// SyncPipeline is the single capture-and-encode thread used for
// hardware-surface encoders: capture and every session share one GPU
// snapshot stream, with no per-session threads.
type SyncPipeline struct {
	display capture.Display

	newSessionChan chan *syncSession
	sessions       []*syncSession
}

func NewSyncPipeline(display capture.Display) *SyncPipeline {
	return &SyncPipeline{
		display:        display,
		newSessionChan: make(chan *syncSession, 64),
	}
}

func (p *SyncPipeline) addSession(ctx context.Context, s *syncSession) {
	select {
	case p.newSessionChan <- s:
	default:
		logger.Errorf(ctx, "sync pipeline: too many pending sessions")
		s.raiseJoin()
	}
}

func (p *SyncPipeline) drainNewSessions() {
	for {
		select {
		case s := <-p.newSessionChan:
			p.sessions = append(p.sessions, s)
		default:
			return
		}
	}
}

// Run multiplexes every registered session over one display snapshot
// stream. It returns nil when the last session shuts down, and a
// TransientError on display loss so the supervisor can restart it.
func (p *SyncPipeline) Run(ctx context.Context) error {
	defer func() {
		p.drainNewSessions()
		for _, s := range p.sessions {
			s.raiseJoin()
			s.session.Close()
		}
		p.sessions = nil
	}()

	img := p.display.AllocImg()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.drainNewSessions()

		if len(p.sessions) == 0 {
			select {
			case s := <-p.newSessionChan:
				p.sessions = append(p.sessions, s)
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		now := time.Now()
		deadline, _ := nextSyncSessionWork(now, p.sessions)
		timeout := time.Until(deadline)
		if timeout < 0 {
			timeout = 0
		}

		result, err := p.display.Snapshot(ctx, img, timeout, true)
		var captured *capture.Image
		switch result {
		case capture.SnapshotOK:
			captured = img
		case capture.SnapshotTimeout:
			// Keep going without a fresh image.
		case capture.SnapshotReinit, capture.SnapshotError:
			return &capture.TransientError{Stage: "sync.snapshot", Err: err}
		}

		now = time.Now()
		_, due := nextSyncSessionWork(now, p.sessions)
		dueSet := make(map[*syncSession]bool, len(due))
		for _, idx := range due {
			dueSet[p.sessions[idx]] = true
		}

		remaining := p.sessions[:0]
		for _, s := range p.sessions {
			select {
			case <-s.mailbox.Shutdown():
				s.raiseJoin()
				s.session.Close()
				continue
			default:
			}

			select {
			case idr := <-s.mailbox.IDR():
				s.session.ConsumeIDR(idr)
				s.idrPending = true
			default:
			}

			if captured != nil {
				s.imgPending = captured
			}

			if !dueSet[s] {
				remaining = append(remaining, s)
				continue
			}
			s.nextFrame = s.nextFrame.Add(s.delay)

			if s.imgPending != nil {
				if err := s.session.hwDevice.Convert(s.imgPending); err != nil {
					logger.Errorf(ctx, "sync pipeline: convert failed for session %s: %v", s.session.ID, err)
					s.raiseJoin()
					s.session.Close()
					continue
				}
				s.imgPending = nil
				s.haveFrame = true
			}

			if !s.haveFrame {
				remaining = append(remaining, s)
				continue
			}

			frame, _ := s.session.hwDevice.Frame().(*astiav.Frame)
			if err := s.session.Encode(ctx, frame, s.idrPending, s.channelData, s.mailbox.VideoPackets()); err != nil {
				logger.Errorf(ctx, "sync pipeline: encode failed for session %s: %v", s.session.ID, err)
				s.raiseJoin()
				s.session.Close()
				continue
			}
			s.idrPending = false
			remaining = append(remaining, s)
		}
		p.sessions = remaining

		if len(p.sessions) == 0 {
			return nil
		}
	}
}
