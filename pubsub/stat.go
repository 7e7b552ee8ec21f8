package pubsub

import (
	"sync"
)

// Stat is a low priority counter bundle. Updated under its own mutex via
// StatModify, read the same way; never blocks the send or receive path
// for long.
type Stat struct { //nolint:maligned
	sync.Mutex

	MessagesSent     uint32
	BytesSent        uint64
	SendErrors       uint32
	MessagesReceived uint32
	BytesReceived    uint64
	Decoded          uint32
	DecodeErrors     uint32
}

// Caller must not hold the mutex.
func (self *Stat) modify(fn func(*Stat)) {
	self.Lock()
	fn(self)
	self.Unlock()
}

// AvgSentSize reports the mean published frame size in bytes, zero before
// the first send.
func (self *Stat) AvgSentSize() uint64 {
	self.Lock()
	defer self.Unlock()
	if self.MessagesSent == 0 {
		return 0
	}
	return self.BytesSent / uint64(self.MessagesSent)
}
