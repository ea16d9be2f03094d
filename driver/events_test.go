package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventCoalesces(t *testing.T) {
	ev := NewEvent()

	ev.Signal()
	ev.Signal()
	ev.Signal()

	select {
	case <-ev.Wait():
	default:
		t.Fatal("expected a pending wake-up")
	}

	// the burst collapsed into a single wake-up
	select {
	case <-ev.Wait():
		t.Fatal("expected no second wake-up")
	default:
	}
}

func TestEventSignalNeverBlocks(t *testing.T) {
	ev := NewEvent()
	for i := 0; i < 100; i++ {
		ev.Signal()
	}
	assert.Len(t, ev.ch, 1)
}
