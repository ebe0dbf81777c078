package posts

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SavedAtLayout is the sort key format: UTC with millisecond precision, so
// lexical order equals time order.
const SavedAtLayout = "2006-01-02T15:04:05.000Z"

// Stamper hands out savedAt values that strictly increase per owner within
// the process.
type Stamper struct {
	mu   sync.Mutex
	last *expirable.LRU[string, time.Time]
	now  func() time.Time
}

func NewStamper() *Stamper {
	return &Stamper{
		// an owner idle for a minute is safely behind the clock again
		last: expirable.NewLRU[string, time.Time](100000, nil, time.Minute),
		now:  time.Now,
	}
}

func (s *Stamper) Next(ownerID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now().UTC().Truncate(time.Millisecond)
	if prev, ok := s.last.Get(ownerID); ok && !t.After(prev) {
		t = prev.Add(time.Millisecond)
	}
	s.last.Add(ownerID, t)
	return t.Format(SavedAtLayout)
}

// ValidSavedAt reports whether v parses as an RFC 3339 timestamp.
func ValidSavedAt(v string) bool {
	_, err := time.Parse(time.RFC3339Nano, v)
	return err == nil
}
