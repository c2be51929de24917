package middleware

import (
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
)

// ErrReplayedMessage is returned for a WS-Addressing MessageID seen before
// within the guard window.
var ErrReplayedMessage = errors.New("message id already processed")

// ReplayGuard remembers inbound MessageIDs for as long as their security
// timestamp stays valid.
type ReplayGuard struct {
	seen *cache.Cache
}

func NewReplayGuard(window time.Duration) *ReplayGuard {
	return &ReplayGuard{seen: cache.New(window, window)}
}

// Check records messageID and fails if it was already recorded. Empty ids
// are not tracked.
func (g *ReplayGuard) Check(messageID string) error {
	if messageID == "" {
		return nil
	}
	if err := g.seen.Add(messageID, struct{}{}, cache.DefaultExpiration); err != nil {
		return ErrReplayedMessage
	}
	return nil
}

// Len is the number of tracked ids, including ones past expiry that have
// not been evicted yet.
func (g *ReplayGuard) Len() int {
	return g.seen.ItemCount()
}
