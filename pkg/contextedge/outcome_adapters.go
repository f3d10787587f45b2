package contextedge

import (
	"sync"
)

// NewChannelOutcomes exposes dispatched outcomes via a channel. It returns
// the handler to install with WithOutcomeHandler, the read-only channel and a
// close function the caller should invoke once the runtime has shut down.
// The handler blocks while the channel is full and discards outcomes after
// close.
func NewChannelOutcomes(buffer int) (func(Outcome), <-chan Outcome, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &channelOutcomes{
		ch:     make(chan Outcome, buffer),
		closed: make(chan struct{}),
	}
	return s.handle, s.ch, s.close
}

type channelOutcomes struct {
	ch     chan Outcome
	closed chan struct{}
	once   sync.Once
	mu     sync.RWMutex
}

func (s *channelOutcomes) handle(o Outcome) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case <-s.closed:
	case s.ch <- o:
	}
}

func (s *channelOutcomes) close() {
	s.once.Do(func() {
		close(s.closed)
		// wait for in-progress sends before closing the data channel
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

// FanOutOutcomes calls every handler in order for each outcome.
func FanOutOutcomes(handlers ...func(Outcome)) func(Outcome) {
	hs := make([]func(Outcome), 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	return func(o Outcome) {
		for _, h := range hs {
			h(o)
		}
	}
}

// ReviewOnly forwards outcomes that produced a feedback item.
func ReviewOnly(next func(Outcome)) func(Outcome) {
	return func(o Outcome) {
		if o.Feedback != nil {
			next(o)
		}
	}
}
