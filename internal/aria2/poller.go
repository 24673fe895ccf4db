package aria2

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Snapshot is the last polled state of the daemon's queue.
type Snapshot struct {
	Active    []Job     `json:"active"`
	Waiting   []Job     `json:"waiting"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Poller refreshes a Snapshot on a fixed interval. Start and Stop are
// idempotent; the owner decides the poller's lifetime. Every tick replaces
// the snapshot wholesale, so an overlapping manual Refresh is harmless.
type Poller struct {
	client  *Client
	every   time.Duration
	waiting int
	logger  *slog.Logger

	mu     sync.Mutex
	snap   Snapshot
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(c *Client, every time.Duration, logger *slog.Logger) *Poller {
	if every <= 0 {
		every = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:  c,
		every:   every,
		waiting: 100,
		logger:  logger,
	}
}

// Start begins polling until Stop is called or ctx is done.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go p.loop(ctx, done)
}

// Stop halts polling and waits for an in-flight tick to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(p.every)
	defer t.Stop()
	for {
		if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
			p.logger.Debug("aria2 poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Refresh polls once and replaces the snapshot. A failed poll keeps the
// previous job lists and records the error.
func (p *Poller) Refresh(ctx context.Context) error {
	active, err := p.client.TellActive(ctx)
	var waiting []Status
	if err == nil {
		waiting, err = p.client.TellWaiting(ctx, 0, p.waiting)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.UpdatedAt = time.Now()
	if err != nil {
		p.snap.Error = Message(err)
		return err
	}
	p.snap = Snapshot{
		Active:    jobs(active),
		Waiting:   jobs(waiting),
		UpdatedAt: p.snap.UpdatedAt,
	}
	return nil
}

// Snapshot returns a copy of the latest state.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.snap
	s.Active = append([]Job{}, s.Active...)
	s.Waiting = append([]Job{}, s.Waiting...)
	return s
}

func jobs(st []Status) []Job {
	out := make([]Job, 0, len(st))
	for _, s := range st {
		out = append(out, s.Job())
	}
	return out
}
