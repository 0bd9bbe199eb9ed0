package zone

import (
	"sync/atomic"
	"time"
)

// Store holds the current zone. Readers get a consistent snapshot without
// locking; the snapshot stays valid even after a newer zone is published.
type Store struct {
	current   atomic.Pointer[Zone]
	published atomic.Int64
}

// NewStore returns a store serving initial.
func NewStore(initial *Zone) *Store {
	s := new(Store)
	s.Publish(initial)

	return s
}

// Load returns the current zone.
func (s *Store) Load() *Zone {
	return s.current.Load()
}

// Publish replaces the current zone. A nil zone is ignored.
func (s *Store) Publish(z *Zone) {
	if z == nil {
		return
	}

	s.current.Store(z)
	s.published.Store(time.Now().UnixNano())
}

// Published returns when the current zone was published.
func (s *Store) Published() time.Time {
	return time.Unix(0, s.published.Load())
}
