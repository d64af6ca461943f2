package periodic

import (
	"time"

	"github.com/plgd-dev/go-coap-engine/pkg/sync"
	"go.uber.org/atomic"
)

// Runner invokes registered tasks on every tick until stop is closed. A task
// returning false is unregistered.
type Runner struct {
	idx   atomic.Uint64
	tasks *sync.Map[uint64, func(now time.Time) bool]
	done  chan struct{}
}

func New(stop <-chan struct{}, tick time.Duration) *Runner {
	r := &Runner{
		tasks: sync.NewMap[uint64, func(now time.Time) bool](),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			var now time.Time
			select {
			case now = <-t.C:
			case <-stop:
				return
			}
			r.tasks.Range2(func(key uint64, f func(time.Time) bool) bool {
				if ok := f(now); !ok {
					r.tasks.Delete(key)
				}
				return true
			})
		}
	}()
	return r
}

// Add registers f and returns a function that unregisters it.
func (r *Runner) Add(f func(now time.Time) bool) (remove func()) {
	if f == nil {
		return func() {
			// nothing to remove
		}
	}
	v := r.idx.Inc()
	r.tasks.Store(v, f)
	return func() {
		r.tasks.Delete(v)
	}
}

// Done is closed after the runner goroutine exits.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}
