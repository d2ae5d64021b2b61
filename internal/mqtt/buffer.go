package mqtt

import "go.uber.org/zap"

// pending is a serialized message waiting for the broker.
type pending struct {
	seq      uint64
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox holds messages that could not be delivered, oldest first. When full
// the oldest entry is dropped. The caller synchronizes access.
type outbox struct {
	slots   []pending
	first   int // index of the oldest entry
	n       int
	nextSeq uint64
	dropped int
	warned  bool
	log     *zap.SugaredLogger
}

func newOutbox(capacity int, log *zap.SugaredLogger) *outbox {
	if capacity < 1 {
		capacity = 1
	}
	return &outbox{slots: make([]pending, capacity), log: log}
}

// add appends m and returns its sequence number.
func (o *outbox) add(m pending) uint64 {
	o.nextSeq++
	m.seq = o.nextSeq
	if o.n == len(o.slots) {
		if !o.warned && o.log != nil {
			o.log.Warnw("publish buffer full, dropping oldest", "capacity", len(o.slots))
		}
		o.warned = true
		o.dropped++
		o.first = (o.first + 1) % len(o.slots)
		o.n--
	}
	o.slots[(o.first+o.n)%len(o.slots)] = m
	o.n++
	return m.seq
}

// front returns the oldest entry.
func (o *outbox) front() (pending, bool) {
	if o.n == 0 {
		return pending{}, false
	}
	return o.slots[o.first], true
}

// remove drops the oldest entry if it is still seq. It reports false when the
// entry was already evicted by an overflow.
func (o *outbox) remove(seq uint64) bool {
	if o.n == 0 || o.slots[o.first].seq != seq {
		return false
	}
	o.slots[o.first] = pending{}
	o.first = (o.first + 1) % len(o.slots)
	o.n--
	if o.n == 0 {
		o.warned = false
	}
	return true
}

func (o *outbox) len() int { return o.n }
