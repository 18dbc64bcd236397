package engine

// RefreshSignal is a level-triggered, single-slot notification. Any number
// of Notify calls before the next receive collapse into one wake-up.
type RefreshSignal struct {
	ch chan struct{}
}

// NewRefreshSignal returns a cleared signal.
func NewRefreshSignal() *RefreshSignal {
	return &RefreshSignal{ch: make(chan struct{}, 1)}
}

// Notify sets the signal. It never blocks.
func (s *RefreshSignal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C is readable while the signal is set; receiving clears it.
func (s *RefreshSignal) C() <-chan struct{} {
	return s.ch
}
