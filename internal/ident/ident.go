// ABOUTME: Time-ordered unique identifier generation for subnets, devices and events
// ABOUTME: Wraps UUIDv7 with a process-wide monotonic guard for clock stalls

package ident

import (
	"sync"

	"github.com/google/uuid"
)

// Generator produces time-ordered (UUIDv7) identifiers. Identifiers issued
// by one Generator are strictly increasing as byte strings, even when the
// wall clock stalls or steps backwards.
type Generator struct {
	mu   sync.Mutex
	last uuid.UUID
}

// NewGenerator creates a Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// New returns the next identifier as a canonical UUID string.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := uuid.NewV7()
	if err != nil || compare(id, g.last) <= 0 {
		// Clock stall or rand failure: advance the previous id instead.
		id = increment(g.last)
	}
	g.last = id
	return id.String()
}

// NewEventID returns a fresh event identifier.
func (g *Generator) NewEventID() string { return g.New() }

// NewTraceID returns a fresh trace identifier.
func (g *Generator) NewTraceID() string { return g.New() }

// compare orders two UUIDs as byte strings.
func compare(a, b uuid.UUID) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// increment returns prev + 1 in the random tail, preserving the version
// and variant bits so the result still parses as a v7 UUID.
func increment(prev uuid.UUID) uuid.UUID {
	next := prev
	for i := len(next) - 1; i >= 0; i-- {
		// Skip the version (byte 6) and variant (byte 8) nibbles.
		if i == 6 || i == 8 {
			continue
		}
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	next[6] = (next[6] & 0x0f) | 0x70
	next[8] = (next[8] & 0x3f) | 0x80
	return next
}
