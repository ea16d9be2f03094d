package driver

// Event is a coalescing wake-up signal. Signal never blocks; any number
// of signals between two waits collapse into one wake-up, so a loop that
// waits on the event re-examines the world at most once per burst.
type Event struct {
	ch chan struct{}
}

// NewEvent creates an unsignalled Event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{}, 1)}
}

// Signal wakes the waiter if it is not already pending a wake-up.
func (e *Event) Signal() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// Wait returns the channel a loop selects on alongside its timer.
func (e *Event) Wait() <-chan struct{} {
	return e.ch
}
