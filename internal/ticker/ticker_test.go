package ticker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoop_Kick(t *testing.T) {
	tk := New(time.Hour)
	var runs int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		tk.Loop(func() bool {
			return atomic.AddInt32(&runs, 1) < 2
		})
	}()

	tk.Kick()
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, time.Millisecond)
	tk.Kick()
	<-done
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))
}

func TestLoop_Stop(t *testing.T) {
	tk := New(time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer close(done)
		tk.Loop(func() bool { return true })
	}()

	tk.Stop()
	tk.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
