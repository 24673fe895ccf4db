package listing

import (
	"errors"
	"sync"
)

// ErrBusy is returned when a view already has a listing in flight.
var ErrBusy = errors.New("listing already in progress")

// Guard admits one outstanding listing per view. A request arriving while
// its view is busy is dropped, not queued; the client re-requests on its
// next navigation or refresh.
type Guard struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{busy: map[string]struct{}{}}
}

// TryAcquire marks view busy. It returns a release func, or ErrBusy.
func (g *Guard) TryAcquire(view string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.busy[view]; ok {
		return nil, ErrBusy
	}
	g.busy[view] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.busy, view)
			g.mu.Unlock()
		})
	}, nil
}
