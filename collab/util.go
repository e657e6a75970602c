package collab

import (
	"sync"
	"time"
)

// exponential backoff between connect attempts.
// `Reset` after a successful connect so the next failure starts small again.
type Reconnect struct {
	minTimeout time.Duration
	maxTimeout time.Duration

	stateLock sync.Mutex
	attempt   int
}

func NewReconnect(minTimeout time.Duration, maxTimeout time.Duration) *Reconnect {
	return &Reconnect{
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	self.stateLock.Lock()
	timeout := self.minTimeout << self.attempt
	if self.maxTimeout < timeout || timeout < self.minTimeout {
		timeout = self.maxTimeout
	}
	self.attempt += 1
	self.stateLock.Unlock()

	return time.After(timeout)
}

func (self *Reconnect) Reset() {
	self.stateLock.Lock()
	self.attempt = 0
	self.stateLock.Unlock()
}
