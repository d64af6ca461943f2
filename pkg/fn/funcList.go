package fn

import "sync"

type FuncList []func()

// Return a function that executions all added functions
//
// Functions are executed in reverse order they were added.
func (c FuncList) ToFunction() func() {
	return func() {
		for i := range c {
			c[len(c)-1-i]()
		}
	}
}

// Execute all added functions
func (c FuncList) Execute() {
	c.ToFunction()()
}

// OnceList collects functions and executes them exactly once, in reverse
// order. Functions added after execution run immediately.
type OnceList struct {
	mutex    sync.Mutex
	fns      FuncList
	executed bool
}

func (l *OnceList) Add(f func()) {
	l.mutex.Lock()
	if !l.executed {
		l.fns = append(l.fns, f)
		l.mutex.Unlock()
		return
	}
	l.mutex.Unlock()
	f()
}

// Execute runs the collected functions. Only the first call does anything and
// reports true.
func (l *OnceList) Execute() bool {
	l.mutex.Lock()
	if l.executed {
		l.mutex.Unlock()
		return false
	}
	l.executed = true
	fns := l.fns
	l.fns = nil
	l.mutex.Unlock()
	fns.Execute()
	return true
}
