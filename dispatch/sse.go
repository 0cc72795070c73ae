package dispatch

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tidelog/tidelog/store"
)

// SSE event names on the wire.
const (
	EventAppend = "append"
	EventClosed = "closed"
)

// Default live-tail tuning.
const (
	DefaultKeepAlive  = 15 * time.Second
	DefaultMaxSession = 60 * time.Second
)

// Frame is one server-sent event. A frame with Comment set is a keep-alive
// comment and carries no event, data, or id.
type Frame struct {
	Event   string
	Data    []byte
	ID      string
	Comment string
}

// Encode renders the frame in text/event-stream form. Multi-line data is
// split into one data: line per line.
func (f Frame) Encode() []byte {
	var b strings.Builder
	if f.Comment != "" {
		b.WriteString(": ")
		b.WriteString(f.Comment)
		b.WriteString("\n\n")
		return []byte(b.String())
	}
	if f.Event != "" {
		b.WriteString("event: ")
		b.WriteString(f.Event)
		b.WriteByte('\n')
	}
	for _, line := range bytes.Split(f.Data, []byte("\n")) {
		b.WriteString("data: ")
		b.Write(line)
		b.WriteByte('\n')
	}
	if f.ID != "" {
		b.WriteString("id: ")
		b.WriteString(f.ID)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// PublisherConfig configures one live-tail session.
type PublisherConfig struct {
	Path string
	From store.Offset

	// MaxChunk bounds the bytes (records in record-mode) read per frame.
	MaxChunk int64

	// KeepAlive is the idle comment interval; MaxSession bounds the whole
	// session, after which the publisher completes and the client
	// reconnects (this is what lets load balancers rotate connections).
	KeepAlive  time.Duration
	MaxSession time.Duration

	// Release, when set, is called once as the session ends. It returns
	// the admission slot the session holds against the waiter cap.
	Release func()

	Logger *zap.Logger
}

// Publisher produces a lazy sequence of frames for one stream tail. No
// frame is read from the store until the subscriber has requested it; when
// demand is zero the publisher holds only its last-seen offset, so any
// number of appends coalesce into one catch-up frame.
type Publisher struct {
	store store.Store
	cfg   PublisherConfig
}

// NewPublisher creates a publisher over the given store.
func NewPublisher(st store.Store, cfg PublisherConfig) *Publisher {
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = 1 << 20
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.MaxSession <= 0 {
		cfg.MaxSession = DefaultMaxSession
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Publisher{store: st, cfg: cfg}
}

// Subscription is one subscriber's view of a publisher. Frames is closed
// when the session completes for any reason.
type Subscription struct {
	frames   chan Frame
	requests chan int64
	done     chan struct{}
	cancel   sync.Once
}

// Frames returns the frame channel.
func (s *Subscription) Frames() <-chan Frame {
	return s.frames
}

// Request grants the publisher credit to produce up to n more frames.
func (s *Subscription) Request(n int64) {
	if n <= 0 {
		return
	}
	select {
	case s.requests <- n:
	case <-s.done:
	}
}

// Cancel ends the session. Idempotent; observable within one frame.
func (s *Subscription) Cancel() {
	s.cancel.Do(func() { close(s.done) })
}

// Subscribe starts the production loop. The loop stops when the subscriber
// cancels, ctx is done, the session exceeds MaxSession, or the stream is
// deleted (which emits a terminal closed frame first).
func (p *Publisher) Subscribe(ctx context.Context) *Subscription {
	sub := &Subscription{
		frames:   make(chan Frame),
		requests: make(chan int64, 1),
		done:     make(chan struct{}),
	}
	go p.run(ctx, sub)
	return sub
}

func (p *Publisher) run(ctx context.Context, sub *Subscription) {
	defer close(sub.frames)
	if p.cfg.Release != nil {
		defer p.cfg.Release()
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.MaxSession)
	defer cancel()

	next := p.cfg.From
	var demand int64

	for {
		// Pull contract: block here until the subscriber has requested at
		// least one frame.
		for demand == 0 {
			select {
			case n := <-sub.requests:
				if demand += n; demand < 0 {
					demand = math.MaxInt64
				}
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			}
		}
		// Drain any extra credit without blocking.
		select {
		case n := <-sub.requests:
			if demand += n; demand < 0 {
				demand = math.MaxInt64
			}
		default:
		}

		res, err := p.store.Read(p.cfg.Path, next, p.cfg.MaxChunk)
		if err != nil {
			if errors.Is(err, store.ErrStreamNotFound) {
				p.emitClosed(sub)
			} else {
				p.cfg.Logger.Error("live tail read failed",
					zap.String("path", p.cfg.Path), zap.Error(err))
			}
			return
		}

		if !res.Empty() {
			data, err := res.Materialize()
			if err != nil {
				p.cfg.Logger.Error("live tail materialize failed",
					zap.String("path", p.cfg.Path), zap.Error(err))
				return
			}
			if !p.emit(ctx, sub, Frame{
				Event: EventAppend,
				Data:  data,
				ID:    res.NextOffset.String(),
			}) {
				return
			}
			demand--
			next = res.NextOffset
			continue
		}

		// Caught up. Park until the head moves, slicing the wait by the
		// keep-alive interval so idle clients still see the connection
		// breathing.
		advanced, err := p.store.Await(ctx, p.cfg.Path, next, p.cfg.KeepAlive)
		if err != nil {
			if errors.Is(err, store.ErrStreamNotFound) {
				p.emitClosed(sub)
				return
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrWaiterLimit) {
				// The session was admitted before the response went out;
				// degrade to timed polling rather than dropping it.
				if !sleepCtx(ctx, sub, p.cfg.KeepAlive) {
					return
				}
				continue
			}
			p.cfg.Logger.Error("live tail await failed",
				zap.String("path", p.cfg.Path), zap.Error(err))
			return
		}
		if advanced {
			continue
		}

		// Timed out, or the stream vanished mid-wait.
		if _, err := p.store.Head(p.cfg.Path); errors.Is(err, store.ErrStreamNotFound) {
			p.emitClosed(sub)
			return
		}
		p.emitComment(sub, "ping")
	}
}

// emit delivers a frame, honoring cancellation. Returns false if the
// session is over.
func (p *Publisher) emit(ctx context.Context, sub *Subscription, f Frame) bool {
	select {
	case sub.frames <- f:
		return true
	case <-sub.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// emitClosed sends the terminal frame on a best-effort basis: the
// subscriber may have stopped reading, and delete must not leak the
// producer goroutine.
func (p *Publisher) emitClosed(sub *Subscription) {
	t := time.NewTimer(time.Second)
	defer t.Stop()
	select {
	case sub.frames <- Frame{Event: EventClosed}:
	case <-sub.done:
	case <-t.C:
	}
}

// emitComment sends a keep-alive comment without blocking; a subscriber
// too slow to accept a comment does not need one.
func (p *Publisher) emitComment(sub *Subscription, comment string) {
	select {
	case sub.frames <- Frame{Comment: comment}:
	default:
	}
}

func sleepCtx(ctx context.Context, sub *Subscription, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-sub.done:
		return false
	case <-ctx.Done():
		return false
	}
}
