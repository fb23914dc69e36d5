package realtime

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// fixed-delay reconnect window. `After` accounts for the time already spent
// since the window was opened, so a long-lived connection reconnects
// immediately and a failing one waits out the remainder of the delay.
type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	elapsed := time.Since(self.start)
	if self.timeout <= elapsed {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(self.timeout - elapsed)
}

type callbackEntry[T any] struct {
	value T
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex   sync.Mutex
	entries []*callbackEntry[T]
}

// returns a function that removes the callback
func (self *CallbackList[T]) Add(value T) func() {
	entry := &callbackEntry[T]{
		value: value,
	}

	self.mutex.Lock()
	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, entry)
	self.entries = nextEntries
	self.mutex.Unlock()

	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		i := slices.Index(self.entries, entry)
		if i < 0 {
			// not present
			return
		}
		nextEntries := slices.Clone(self.entries)
		nextEntries = slices.Delete(nextEntries, i, i+1)
		self.entries = nextEntries
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	values := make([]T, len(self.entries))
	for i, entry := range self.entries {
		values[i] = entry.value
	}
	return values
}
