package portscan

import "time"

type probeEvent struct {
	at   time.Time
	port uint16
}

// scanWindow holds the probes of one (target, source) pair in arrival order
// together with a reference count per port.
type scanWindow struct {
	events   []probeEvent
	head     int
	ports    map[uint16]int
	alerted  int // severity band already reported; 0 when below the threshold
	lastSeen time.Time
}

func newScanWindow() *scanWindow {
	return &scanWindow{ports: make(map[uint16]int)}
}

// insert appends a probe after evicting every event at or before at-length.
func (w *scanWindow) insert(at time.Time, port uint16, length time.Duration) {
	w.evict(at.Add(-length))
	w.events = append(w.events, probeEvent{at: at, port: port})
	w.ports[port]++
	if at.After(w.lastSeen) {
		w.lastSeen = at
	}
}

func (w *scanWindow) evict(cutoff time.Time) {
	for w.head < len(w.events) && !w.events[w.head].at.After(cutoff) {
		port := w.events[w.head].port
		if w.ports[port] <= 1 {
			delete(w.ports, port)
		} else {
			w.ports[port]--
		}
		w.events[w.head] = probeEvent{}
		w.head++
	}
	// Reclaim the consumed prefix once it dominates the slice.
	if w.head > 64 && w.head*2 > len(w.events) {
		n := copy(w.events, w.events[w.head:])
		w.events = w.events[:n]
		w.head = 0
	}
}

func (w *scanWindow) distinctPorts() int {
	return len(w.ports)
}

func (w *scanWindow) portList() []int {
	ports := make([]int, 0, len(w.ports))
	for p := range w.ports {
		ports = append(ports, int(p))
	}
	return ports
}
