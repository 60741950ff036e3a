// Package dedup suppresses re-forwarding of repeated Message-IDs within a
// short TTL window. Some clients submit the same message once per distinct
// recipient envelope during multi-recipient fan-out; only the first
// submission may reach the downstream API.
package dedup

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL is the default suppression window.
const DefaultTTL = 60 * time.Second

// Suppressor is a TTL-bounded Message-ID cache with an atomic test-and-set.
// Entries are swept on an independent timer; absence after the TTL is
// equivalent to never seen.
type Suppressor struct {
	cache *gocache.Cache
}

// New creates a Suppressor with the given suppression window. The sweep
// interval matches the window. A non-positive ttl uses DefaultTTL.
func New(ttl time.Duration) *Suppressor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Suppressor{
		cache: gocache.New(ttl, ttl),
	}
}

// CheckAndMark atomically records the Message-ID and reports whether it was
// already seen within the window. Callers must skip this entirely for
// messages without a Message-ID.
func (s *Suppressor) CheckAndMark(messageID string) bool {
	err := s.cache.Add(messageID, struct{}{}, gocache.DefaultExpiration)
	return err != nil
}

// Forget drops a Message-ID from the window. Called when a forward fails
// after the mark, so the client's retry is not swallowed as a duplicate.
func (s *Suppressor) Forget(messageID string) {
	s.cache.Delete(messageID)
}
