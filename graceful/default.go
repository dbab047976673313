package graceful

import "sync"

// The process-wide default coordinator. Subsystems constructed later in the
// process can find the one coordinator without explicit wiring. The slot is
// filled by the first call to New and is otherwise immutable; ResetDefault
// exists for test harnesses only.
var (
	defaultLock sync.Mutex
	defaultG    *Graceful
)

// Default returns the process-wide default coordinator, or nil if none has
// been constructed yet.
func Default() *Graceful {
	defaultLock.Lock()
	defer defaultLock.Unlock()
	return defaultG
}

func setDefault(g *Graceful) {
	defaultLock.Lock()
	defer defaultLock.Unlock()
	if defaultG == nil {
		defaultG = g
	}
}

// ResetDefault clears the process-wide default coordinator so the next call
// to New fills the slot again. It is intended for test harnesses.
func ResetDefault() {
	defaultLock.Lock()
	defer defaultLock.Unlock()
	defaultG = nil
}
