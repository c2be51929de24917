// Package delegation decides whether an organization may query on behalf
// of another. Principals authorize delegates out of band; the gateway
// keeps an in-memory snapshot of those grants and refreshes it
// periodically.
package delegation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
)

// Source loads every grant as principal OID -> delegate OIDs.
type Source interface {
	Load(ctx context.Context) (map[string][]string, error)
}

type snapshot struct {
	delegates map[string]map[string]struct{}
	loadedAt  time.Time
}

// Cache answers authorization checks from an immutable snapshot that
// Refresh replaces atomically. Readers never block.
type Cache struct {
	source Source
	logger zerolog.Logger
	snap   atomic.Pointer[snapshot]
}

// NewCache returns an empty cache over source. Call Refresh before serving.
func NewCache(source Source, logger zerolog.Logger) *Cache {
	c := &Cache{source: source, logger: logger}
	c.snap.Store(&snapshot{delegates: map[string]map[string]struct{}{}})
	return c
}

// Refresh reloads the snapshot. On error the previous snapshot stays.
func (c *Cache) Refresh(ctx context.Context) error {
	grants, err := c.source.Load(ctx)
	if err != nil {
		return err
	}
	next := &snapshot{delegates: make(map[string]map[string]struct{}, len(grants)), loadedAt: time.Now()}
	for principal, delegates := range grants {
		p := normalize(principal)
		if p == "" {
			continue
		}
		set, ok := next.delegates[p]
		if !ok {
			set = make(map[string]struct{}, len(delegates))
			next.delegates[p] = set
		}
		for _, d := range delegates {
			if d = normalize(d); d != "" {
				set[d] = struct{}{}
			}
		}
	}
	c.snap.Store(next)
	return nil
}

// Run refreshes every interval until ctx is done. Failed refreshes are
// logged and retried on the next tick. A non-positive interval disables
// periodic refresh.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error().Err(err).Msg("delegation refresh failed")
				continue
			}
			c.logger.Debug().Int("principals", c.Size()).Msg("delegation snapshot refreshed")
		}
	}
}

// GetDelegatesForPrincipal returns a copy of the principal's delegate set.
func (c *Cache) GetDelegatesForPrincipal(principalOID string) (map[string]struct{}, bool) {
	set, ok := c.snap.Load().delegates[normalize(principalOID)]
	if !ok {
		return nil, false
	}
	out := make(map[string]struct{}, len(set))
	for d := range set {
		out[d] = struct{}{}
	}
	return out, true
}

// ValidateDelegatedRequest fails with ihe.ErrPrincipalNotFound when the
// principal has no grants and ihe.ErrDelegateNotAuthorized when the
// delegate is not among them.
func (c *Cache) ValidateDelegatedRequest(principalOID, delegateOID string) error {
	const op = "delegation.ValidateDelegatedRequest"
	set, ok := c.snap.Load().delegates[normalize(principalOID)]
	if !ok {
		return ihe.Errorf(ihe.ErrPrincipalNotFound, op, "principal %s", principalOID)
	}
	if _, ok := set[normalize(delegateOID)]; !ok {
		return ihe.Errorf(ihe.ErrDelegateNotAuthorized, op, "%s may not act for %s", delegateOID, principalOID)
	}
	return nil
}

// Authorize checks a request's caller. Requests that do not claim to act
// for another organization pass unchecked.
func (c *Cache) Authorize(attrs ihe.SamlAttributes) error {
	if !attrs.IsDelegated() {
		return nil
	}
	delegate := attrs.OrganizationID
	if delegate == "" {
		delegate = attrs.HomeCommunityID
	}
	return c.ValidateDelegatedRequest(attrs.PrincipalOID, delegate)
}

// Size is the number of principals in the current snapshot.
func (c *Cache) Size() int {
	return len(c.snap.Load().delegates)
}

// LoadedAt is when the current snapshot was loaded; zero before the first
// Refresh.
func (c *Cache) LoadedAt() time.Time {
	return c.snap.Load().loadedAt
}

func normalize(oid string) string {
	return ihe.StripURNPrefix(oid)
}
