package kcpsession

import "sync/atomic"

// SeqGen is a per-session atomic sequence number generator used to stamp
// outgoing application messages. It is shared between the update loop and
// application goroutines, so all operations are atomic.
type SeqGen struct {
	val atomic.Uint32
}

// Next returns the next sequence number (monotonically increasing from 1).
func (s *SeqGen) Next() uint32 {
	return s.val.Add(1)
}

// Last returns the most recently issued sequence number, 0 if none.
func (s *SeqGen) Last() uint32 {
	return s.val.Load()
}
