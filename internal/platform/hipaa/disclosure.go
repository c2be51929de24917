package hipaa

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Disclosure records PHI released to another community. HIPAA Section
// 164.528 requires an accounting of disclosures for 6 years.
type Disclosure struct {
	ID              uuid.UUID `json:"id"`
	PatientID       string    `json:"patient_id"`
	DisclosedTo     string    `json:"disclosed_to"` // remote home community id
	DisclosedToName string    `json:"disclosed_to_name,omitempty"`
	Purpose         string    `json:"purpose"` // SAML purpose of use
	Transaction     string    `json:"transaction"`
	DocumentIDs     []string  `json:"document_ids,omitempty"`
	MessageID       string    `json:"message_id,omitempty"`
	DisclosedBy     string    `json:"disclosed_by,omitempty"` // requesting user
	DateDisclosed   time.Time `json:"date_disclosed"`
	CreatedAt       time.Time `json:"created_at"`
}

// Transactions that release PHI.
const (
	TransactionDocumentQuery    = "ITI-38"
	TransactionDocumentRetrieve = "ITI-39"
)

// DisclosureFilter narrows List. Zero values match everything.
type DisclosureFilter struct {
	PatientID   string
	DisclosedTo string
	From, To    time.Time
	Limit       int
	Offset      int
}

func (f DisclosureFilter) matches(d *Disclosure) bool {
	if f.PatientID != "" && d.PatientID != f.PatientID {
		return false
	}
	if f.DisclosedTo != "" && d.DisclosedTo != f.DisclosedTo {
		return false
	}
	if !f.From.IsZero() && d.DateDisclosed.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && d.DateDisclosed.After(f.To) {
		return false
	}
	return true
}

// DisclosureStore persists the accounting. List returns one page, most
// recent first, plus the total number of matches.
type DisclosureStore interface {
	Record(ctx context.Context, d *Disclosure) error
	List(ctx context.Context, f DisclosureFilter) ([]*Disclosure, int, error)
}

// prepare validates d and fills ID and timestamps.
func prepare(d *Disclosure) error {
	if d.PatientID == "" {
		return fmt.Errorf("disclosure: patient_id is required")
	}
	if d.DisclosedTo == "" {
		return fmt.Errorf("disclosure: disclosed_to is required")
	}
	if d.Transaction == "" {
		return fmt.Errorf("disclosure: transaction is required")
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.DocumentIDs == nil {
		d.DocumentIDs = []string{}
	}
	now := time.Now().UTC()
	if d.DateDisclosed.IsZero() {
		d.DateDisclosed = now
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	return nil
}

// MemoryDisclosureStore keeps the accounting in process. Suitable for
// development, testing and single-instance deployments.
type MemoryDisclosureStore struct {
	mu          sync.RWMutex
	disclosures []*Disclosure
}

func NewMemoryDisclosureStore() *MemoryDisclosureStore {
	return &MemoryDisclosureStore{disclosures: make([]*Disclosure, 0)}
}

func (s *MemoryDisclosureStore) Record(_ context.Context, d *Disclosure) error {
	if err := prepare(d); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disclosures = append(s.disclosures, d)
	return nil
}

func (s *MemoryDisclosureStore) List(_ context.Context, f DisclosureFilter) ([]*Disclosure, int, error) {
	s.mu.RLock()
	var matched []*Disclosure
	for _, d := range s.disclosures {
		if f.matches(d) {
			matched = append(matched, d)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].DateDisclosed.After(matched[j].DateDisclosed)
	})

	total := len(matched)
	if f.Offset >= total {
		return []*Disclosure{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < total {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}

type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGDisclosureStore writes the accounting to the disclosure table.
type PGDisclosureStore struct {
	db queryable
}

func NewPGDisclosureStore(pool *pgxpool.Pool) *PGDisclosureStore {
	return &PGDisclosureStore{db: pool}
}

func (s *PGDisclosureStore) Record(ctx context.Context, d *Disclosure) error {
	if err := prepare(d); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO disclosure (id, patient_id, disclosed_to, disclosed_to_name, purpose,
			transaction, document_ids, message_id, disclosed_by, date_disclosed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.PatientID, d.DisclosedTo, d.DisclosedToName, d.Purpose,
		d.Transaction, d.DocumentIDs, d.MessageID, d.DisclosedBy, d.DateDisclosed, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("record disclosure: %w", err)
	}
	return nil
}

const disclosureWhere = `
	WHERE ($1 = '' OR patient_id = $1)
	  AND ($2 = '' OR disclosed_to = $2)
	  AND ($3::timestamptz IS NULL OR date_disclosed >= $3)
	  AND ($4::timestamptz IS NULL OR date_disclosed <= $4)`

func (s *PGDisclosureStore) List(ctx context.Context, f DisclosureFilter) ([]*Disclosure, int, error) {
	args := []any{f.PatientID, f.DisclosedTo, nullTime(f.From), nullTime(f.To)}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM disclosure`+disclosureWhere, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count disclosures: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = total
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, patient_id, disclosed_to, disclosed_to_name, purpose, transaction,
			document_ids, message_id, disclosed_by, date_disclosed, created_at
		FROM disclosure`+disclosureWhere+`
		ORDER BY date_disclosed DESC
		LIMIT $5 OFFSET $6`, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list disclosures: %w", err)
	}
	defer rows.Close()

	out := []*Disclosure{}
	for rows.Next() {
		d := &Disclosure{}
		if err := rows.Scan(&d.ID, &d.PatientID, &d.DisclosedTo, &d.DisclosedToName, &d.Purpose, &d.Transaction,
			&d.DocumentIDs, &d.MessageID, &d.DisclosedBy, &d.DateDisclosed, &d.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan disclosure: %w", err)
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
