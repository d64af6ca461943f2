package periodic_test

import (
	"testing"
	"time"

	"github.com/plgd-dev/go-coap-engine/pkg/runner/periodic"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestRunnerInvokesTasks(t *testing.T) {
	stop := make(chan struct{})
	r := periodic.New(stop, time.Millisecond*5)

	var calls atomic.Int32
	r.Add(func(time.Time) bool {
		calls.Inc()
		return true
	})
	var once atomic.Int32
	r.Add(func(time.Time) bool {
		once.Inc()
		return false
	})
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	require.Equal(t, int32(1), once.Load())

	close(stop)
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		require.FailNow(t, "runner did not stop")
	}
}

func TestRunnerRemove(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)
	r := periodic.New(stop, time.Millisecond*5)
	var calls atomic.Int32
	remove := r.Add(func(time.Time) bool {
		calls.Inc()
		return true
	})
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, time.Millisecond)
	remove()
	time.Sleep(time.Millisecond * 20)
	n := calls.Load()
	time.Sleep(time.Millisecond * 30)
	require.Equal(t, n, calls.Load())
}
