package delegation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// StaticSource serves a fixed set of grants.
type StaticSource map[string][]string

func (s StaticSource) Load(context.Context) (map[string][]string, error) {
	out := make(map[string][]string, len(s))
	for p, ds := range s {
		out[p] = append([]string(nil), ds...)
	}
	return out, nil
}

// -- Postgres --

type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Grant is one row of the delegation table.
type Grant struct {
	PrincipalOID string    `json:"principalOid"`
	DelegateOID  string    `json:"delegateOid"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PGSource reads grants from the delegation table and lets operators
// manage them.
type PGSource struct {
	db queryable
}

func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{db: pool}
}

func (s *PGSource) Load(ctx context.Context) (map[string][]string, error) {
	grants, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, g := range grants {
		out[g.PrincipalOID] = append(out[g.PrincipalOID], g.DelegateOID)
	}
	return out, nil
}

// List returns all grants, or those of one principal when principalOID is
// set.
func (s *PGSource) List(ctx context.Context, principalOID string) ([]Grant, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if principalOID == "" {
		rows, err = s.db.Query(ctx, `SELECT principal_oid, delegate_oid, created_at FROM delegation ORDER BY principal_oid, delegate_oid`)
	} else {
		rows, err = s.db.Query(ctx, `SELECT principal_oid, delegate_oid, created_at FROM delegation WHERE principal_oid = $1 ORDER BY delegate_oid`, normalize(principalOID))
	}
	if err != nil {
		return nil, fmt.Errorf("query delegations: %w", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.PrincipalOID, &g.DelegateOID, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delegation: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Grant authorizes delegateOID to query for principalOID. Granting twice is
// a no-op.
func (s *PGSource) Grant(ctx context.Context, principalOID, delegateOID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO delegation (principal_oid, delegate_oid)
		VALUES ($1, $2)
		ON CONFLICT (principal_oid, delegate_oid) DO NOTHING`,
		normalize(principalOID), normalize(delegateOID))
	if err != nil {
		return fmt.Errorf("grant delegation: %w", err)
	}
	return nil
}

// Revoke removes a grant and reports whether it existed.
func (s *PGSource) Revoke(ctx context.Context, principalOID, delegateOID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM delegation WHERE principal_oid = $1 AND delegate_oid = $2`,
		normalize(principalOID), normalize(delegateOID))
	if err != nil {
		return false, fmt.Errorf("revoke delegation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// -- Redis --

// RedisKeyPrefix namespaces the per-principal delegate sets.
const RedisKeyPrefix = "delegation:"

// RedisSource reads grants from sets named delegation:<principal oid>
// whose members are delegate OIDs.
type RedisSource struct {
	client redis.Cmdable
}

func NewRedisSource(client redis.Cmdable) *RedisSource {
	return &RedisSource{client: client}
}

func (s *RedisSource) Load(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, RedisKeyPrefix+"*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("scan delegation keys: %w", err)
		}
		for _, key := range keys {
			members, err := s.client.SMembers(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", key, err)
			}
			principal := strings.TrimPrefix(key, RedisKeyPrefix)
			out[principal] = append(out[principal], members...)
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Grant adds delegateOID to the principal's set.
func (s *RedisSource) Grant(ctx context.Context, principalOID, delegateOID string) error {
	if err := s.client.SAdd(ctx, RedisKeyPrefix+normalize(principalOID), normalize(delegateOID)).Err(); err != nil {
		return fmt.Errorf("grant delegation: %w", err)
	}
	return nil
}
