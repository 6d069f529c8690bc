package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB interface for database operations (compatible with pgxpool.Pool and pgxmock)
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

const ledgerColumns = `id, ts_utc, org_id, thread_id, message_id, direction,
		practitioner_email, patient_email, units, base_units, char_count,
		attachments_count, attachments_size_bytes, type, priority, app, source,
		rule_version, cap_applied, calc_json, created_at, updated_at`

type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// Upsert writes the entry keyed by (thread_id, message_id, direction). A
// repeated key overwrites every mutable column and advances updated_at.
func (r *Repository) Upsert(ctx context.Context, entry *LedgerEntry) error {
	query := `
		INSERT INTO communication_usage_ledger (
			id, ts_utc, org_id, thread_id, message_id, direction,
			practitioner_email, patient_email, units, base_units, char_count,
			attachments_count, attachments_size_bytes, type, priority, app, source,
			rule_version, cap_applied, calc_json
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (thread_id, message_id, direction)
		DO UPDATE SET
			ts_utc = EXCLUDED.ts_utc,
			org_id = EXCLUDED.org_id,
			practitioner_email = EXCLUDED.practitioner_email,
			patient_email = EXCLUDED.patient_email,
			units = EXCLUDED.units,
			base_units = EXCLUDED.base_units,
			char_count = EXCLUDED.char_count,
			attachments_count = EXCLUDED.attachments_count,
			attachments_size_bytes = EXCLUDED.attachments_size_bytes,
			type = EXCLUDED.type,
			priority = EXCLUDED.priority,
			app = EXCLUDED.app,
			source = EXCLUDED.source,
			rule_version = EXCLUDED.rule_version,
			cap_applied = EXCLUDED.cap_applied,
			calc_json = EXCLUDED.calc_json,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	calc, err := json.Marshal(entry.Calc)
	if err != nil {
		return fmt.Errorf("marshal calc_json: %w", err)
	}

	err = r.db.QueryRow(ctx, query,
		entry.ID,
		entry.TimestampUTC,
		entry.OrgID,
		entry.ThreadID,
		entry.MessageID,
		string(entry.Direction),
		entry.PractitionerEmail,
		entry.PatientEmail,
		entry.Units,
		entry.BaseUnits,
		entry.CharCount,
		entry.AttachmentsCount,
		entry.AttachmentsSizeBytes,
		string(entry.Type),
		string(entry.Priority),
		entry.App,
		entry.Source,
		entry.RuleVersion,
		entry.CapApplied,
		calc,
	).Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt)

	if err != nil {
		return fmt.Errorf("thread %s message %s: upsert usage ledger: %w", entry.ThreadID, entry.MessageID, err)
	}

	return nil
}

// SummaryQuery is an authorized summary request.
type SummaryQuery struct {
	Practitioner string
	Patient      string
	From         *time.Time
	To           *time.Time
}

func (r *Repository) Summarize(ctx context.Context, q SummaryQuery) (*Summary, error) {
	w := &whereBuilder{}
	w.add("practitioner_email = ?", q.Practitioner)
	w.add("patient_email = ?", q.Patient)
	w.addTimeRange(q.From, q.To)

	query := `
		SELECT
			COALESCE(SUM(units), 0) AS units,
			COUNT(*) AS messages,
			COALESCE(SUM(attachments_count), 0)::BIGINT AS attachments_count,
			MIN(ts_utc) AS first_ts,
			MAX(ts_utc) AS last_ts
		FROM communication_usage_ledger
		WHERE ` + w.sql()

	var summary Summary
	err := r.db.QueryRow(ctx, query, w.args...).Scan(
		&summary.Units,
		&summary.Messages,
		&summary.AttachmentsCount,
		&summary.FirstTS,
		&summary.LastTS,
	)
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}

	return &summary, nil
}

// List returns one page of rows, newest first, plus the total number of rows
// matching the filters regardless of the page window.
func (r *Repository) List(ctx context.Context, q LedgerQuery) ([]LedgerEntry, int, error) {
	w := &whereBuilder{}
	if q.Participant != "" {
		w.add("(practitioner_email = ? OR patient_email = ?)", q.Participant, q.Participant)
	}
	if q.ThreadID != "" {
		w.add("thread_id = ?", q.ThreadID)
	}
	if q.Practitioner != "" {
		w.add("practitioner_email = ?", q.Practitioner)
	}
	if q.Patient != "" {
		w.add("patient_email = ?", q.Patient)
	}
	if q.Direction != "" {
		w.add("direction = ?", string(q.Direction))
	}
	w.addTimeRange(q.From, q.To)

	countQuery := `SELECT COUNT(*) FROM communication_usage_ledger WHERE ` + w.sql()

	var total int
	if err := r.db.QueryRow(ctx, countQuery, w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count usage ledger: %w", err)
	}

	args := append([]interface{}{}, w.args...)
	args = append(args, q.Limit, q.Offset)

	pageQuery := fmt.Sprintf(`
		SELECT %s
		FROM communication_usage_ledger
		WHERE %s
		ORDER BY ts_utc DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, ledgerColumns, w.sql(), len(w.args)+1, len(w.args)+2)

	rows, err := r.db.Query(ctx, pageQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list usage ledger: %w", err)
	}
	defer rows.Close()

	entries := make([]LedgerEntry, 0, q.Limit)
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan usage ledger entry: %w", err)
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate usage ledger: %w", err)
	}

	return entries, total, nil
}

func scanLedgerEntry(row pgx.Row) (*LedgerEntry, error) {
	var (
		e                        LedgerEntry
		direction, typ, priority string
		calc                     []byte
	)

	err := row.Scan(
		&e.ID,
		&e.TimestampUTC,
		&e.OrgID,
		&e.ThreadID,
		&e.MessageID,
		&direction,
		&e.PractitionerEmail,
		&e.PatientEmail,
		&e.Units,
		&e.BaseUnits,
		&e.CharCount,
		&e.AttachmentsCount,
		&e.AttachmentsSizeBytes,
		&typ,
		&priority,
		&e.App,
		&e.Source,
		&e.RuleVersion,
		&e.CapApplied,
		&calc,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Direction = Direction(direction)
	e.Type = MessageType(typ)
	e.Priority = Priority(priority)
	e.TimestampUTC = e.TimestampUTC.UTC()

	if len(calc) > 0 {
		if err := json.Unmarshal(calc, &e.Calc); err != nil {
			return nil, fmt.Errorf("unmarshal calc_json: %w", err)
		}
	}

	return &e, nil
}

// whereBuilder numbers "?" placeholders into $n as conditions are added.
type whereBuilder struct {
	conds []string
	args  []interface{}
}

func (w *whereBuilder) add(cond string, args ...interface{}) {
	for _, arg := range args {
		w.args = append(w.args, arg)
		cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.conds = append(w.conds, cond)
}

func (w *whereBuilder) addTimeRange(from, to *time.Time) {
	if from != nil {
		w.add("ts_utc >= ?", from.UTC())
	}
	if to != nil {
		w.add("ts_utc <= ?", to.UTC())
	}
}

func (w *whereBuilder) sql() string {
	if len(w.conds) == 0 {
		return "TRUE"
	}
	return strings.Join(w.conds, " AND ")
}
