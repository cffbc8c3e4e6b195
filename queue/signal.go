package queue

// signal is a coalesced wake up: many pings, one wake up
type signal struct {
	wait chan struct{}
}

func newSignal() *signal {
	return &signal{
		wait: make(chan struct{}, 1),
	}
}

// Ping something happened, false if a wake up is already pending
func (s *signal) Ping() bool {
	select {
	case s.wait <- struct{}{}:
		return true
	default:
		return false
	}
}

// Wait for the next ping
func (s *signal) Wait() <-chan struct{} {
	return s.wait
}
