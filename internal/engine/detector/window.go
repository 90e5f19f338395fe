package detector

import "time"

type sample struct {
	at    time.Time
	port  uint16
	value uint64
}

// slidingWindow keeps the samples of one key that fall within the window
// length, with their running total and, when tracked, a count per port.
type slidingWindow struct {
	samples  []sample
	head     int
	total    uint64
	ports    map[uint16]int
	lastSeen time.Time
	// alerted is the severity already reported; zero while below the threshold.
	alerted int
}

func newSlidingWindow(trackPorts bool) *slidingWindow {
	w := &slidingWindow{}
	if trackPorts {
		w.ports = make(map[uint16]int)
	}
	return w
}

// insert adds a sample after evicting everything at or before the newest
// timestamp seen minus length.
func (w *slidingWindow) insert(at time.Time, port uint16, value uint64, length time.Duration) {
	if at.After(w.lastSeen) {
		w.lastSeen = at
	}
	w.evict(w.lastSeen.Add(-length))
	if !at.After(w.lastSeen.Add(-length)) {
		return
	}
	w.samples = append(w.samples, sample{at: at, port: port, value: value})
	w.total += value
	if w.ports != nil {
		w.ports[port]++
	}
}

func (w *slidingWindow) evict(cutoff time.Time) {
	for w.head < len(w.samples) && !w.samples[w.head].at.After(cutoff) {
		s := w.samples[w.head]
		w.total -= s.value
		if w.ports != nil {
			if w.ports[s.port] <= 1 {
				delete(w.ports, s.port)
			} else {
				w.ports[s.port]--
			}
		}
		w.samples[w.head] = sample{}
		w.head++
	}
	if w.head > 64 && w.head*2 > len(w.samples) {
		n := copy(w.samples, w.samples[w.head:])
		w.samples = w.samples[:n]
		w.head = 0
	}
}

func (w *slidingWindow) count() int {
	return len(w.samples) - w.head
}

func (w *slidingWindow) distinctPorts() int {
	return len(w.ports)
}
