package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/saturnino-fabrica-de-software/commusage/internal/audit"
	"github.com/saturnino-fabrica-de-software/commusage/internal/domain"
)

const (
	DefaultLedgerLimit = 50
	MaxLedgerLimit     = 200
)

// LedgerStore is the persistence contract of the ledger.
type LedgerStore interface {
	Upsert(ctx context.Context, entry *LedgerEntry) error
	Summarize(ctx context.Context, q SummaryQuery) (*Summary, error)
	List(ctx context.Context, q LedgerQuery) ([]LedgerEntry, int, error)
}

type Service struct {
	store  LedgerStore
	audit  audit.Logger
	logger *slog.Logger
	rules  Rules
	now    func() time.Time
}

type Option func(*Service)

// WithClock overrides the timestamp provider used for ts_utc.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRules overrides the unit formula. Rule tables must carry their own Version.
func WithRules(r Rules) Option {
	return func(s *Service) { s.rules = r }
}

func NewService(store LedgerStore, auditLogger audit.Logger, logger *slog.Logger, opts ...Option) *Service {
	if auditLogger == nil {
		auditLogger = &audit.NoOpLogger{}
	}
	s := &Service{
		store:  store,
		audit:  auditLogger,
		logger: logger.With("component", "usage"),
		rules:  DefaultRules,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Estimate prices an event without persisting anything.
func (s *Service) Estimate(e Event) Breakdown {
	return s.rules.Compute(e)
}

// RecordUsage validates and upserts one ledger row, stamping ts_utc at write
// time. Storage errors propagate.
func (s *Service) RecordUsage(ctx context.Context, entry *LedgerEntry) error {
	entry.PractitionerEmail = domain.NormalizeEmail(entry.PractitionerEmail)
	entry.PatientEmail = domain.NormalizeEmail(entry.PatientEmail)

	if err := validateEntry(entry); err != nil {
		return err
	}

	entry.TimestampUTC = s.now().UTC()

	if err := s.store.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	return nil
}

// LogPractitionerToPatientUsage is the best-effort entry point for the
// message-send pathway. It never returns an error: failures are logged and
// audited, then dropped, so metering can never fail a send.
func (s *Service) LogPractitionerToPatientUsage(ctx context.Context, msg MessageUsage) {
	key := LedgerKey{
		ThreadID:  msg.ThreadID,
		MessageID: msg.MessageID,
		Direction: DirectionPractitionerToPatient,
	}

	err := s.logUsage(ctx, key, msg)
	if err == nil {
		return
	}

	s.logger.ErrorContext(ctx, "usage logging failed",
		slog.String("thread_id", key.ThreadID),
		slog.String("message_id", key.MessageID),
		slog.String("direction", string(key.Direction)),
		slog.Any("error", err),
	)
	_ = s.audit.Log(ctx, audit.Event{
		EventType: audit.EventUsageRecordFailed,
		Actor:     msg.PractitionerEmail,
		ThreadID:  key.ThreadID,
		MessageID: key.MessageID,
		Direction: string(key.Direction),
		Success:   false,
		Error:     err.Error(),
	})
}

func (s *Service) logUsage(ctx context.Context, key LedgerKey, msg MessageUsage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("usage logging panic: %v", r)
		}
	}()

	calc := s.rules.Compute(msg.Event)
	entry := NewLedgerEntry(key,
		Parties{OrgID: msg.OrgID, PractitionerEmail: msg.PractitionerEmail, PatientEmail: msg.PatientEmail},
		Provenance{App: msg.App, Source: msg.Source},
		msg.Event,
		calc,
	)

	if err := s.RecordUsage(ctx, entry); err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "usage recorded",
		slog.String("thread_id", entry.ThreadID),
		slog.String("message_id", entry.MessageID),
		slog.Int("units", entry.Units),
		slog.Bool("cap_applied", entry.CapApplied),
	)
	_ = s.audit.Log(ctx, audit.Event{
		EventType: audit.EventUsageRecorded,
		Actor:     entry.PractitionerEmail,
		ThreadID:  entry.ThreadID,
		MessageID: entry.MessageID,
		Direction: string(entry.Direction),
		Success:   true,
		Metadata: map[string]string{
			"units":        strconv.Itoa(entry.Units),
			"rule_version": strconv.Itoa(entry.RuleVersion),
		},
	})

	return nil
}

// SummarizeUsage aggregates the ledger for one practitioner/patient pair.
// Only the two parties may ask.
func (s *Service) SummarizeUsage(ctx context.Context, caller domain.User, req SummaryRequest) (*Summary, error) {
	practitioner := domain.NormalizeEmail(req.Practitioner)
	patient := domain.NormalizeEmail(req.Patient)
	if practitioner == "" || patient == "" {
		return nil, domain.ErrMissingParty
	}
	if err := validateRange(req.From, req.To); err != nil {
		return nil, err
	}

	if err := AuthorizeSummary(caller, practitioner, patient); err != nil {
		s.auditDenied(ctx, caller, practitioner, patient)
		return nil, err
	}

	summary, err := s.store.Summarize(ctx, SummaryQuery{
		Practitioner: practitioner,
		Patient:      patient,
		From:         req.From,
		To:           req.To,
	})
	if err != nil {
		return nil, err
	}
	if summary == nil {
		summary = &Summary{}
	}

	return summary, nil
}

// GetLedger returns one page of ledger rows visible to the caller.
func (s *Service) GetLedger(ctx context.Context, caller domain.User, f LedgerFilter) (*LedgerPage, error) {
	if f.Direction != "" && !f.Direction.Valid() {
		return nil, domain.ErrInvalidDirection
	}
	if err := validateRange(f.From, f.To); err != nil {
		return nil, err
	}

	limit, offset, err := normalizePage(f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	f.Limit, f.Offset = limit, offset

	q, err := ScopeLedgerQuery(caller, f)
	if err != nil {
		s.auditDenied(ctx, caller, f.Practitioner, f.Patient)
		return nil, err
	}

	entries, total, err := s.store.List(ctx, q)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []LedgerEntry{}
	}

	return &LedgerPage{
		Data:   entries,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

func (s *Service) auditDenied(ctx context.Context, caller domain.User, practitioner, patient string) {
	s.logger.WarnContext(ctx, "usage ledger access denied",
		slog.String("caller", caller.Email),
		slog.String("practitioner", practitioner),
		slog.String("patient", patient),
	)
	_ = s.audit.Log(ctx, audit.Event{
		EventType: audit.EventLedgerAccessDenied,
		Actor:     caller.Email,
		Success:   false,
		Metadata: map[string]string{
			"practitioner": practitioner,
			"patient":      patient,
		},
	})
}

func validateEntry(e *LedgerEntry) error {
	var missing []error
	if e.ThreadID == "" {
		missing = append(missing, errors.New("thread_id is required"))
	}
	if e.MessageID == "" {
		missing = append(missing, errors.New("message_id is required"))
	}
	if !e.Direction.Valid() {
		missing = append(missing, fmt.Errorf("invalid direction %q", e.Direction))
	}
	if e.PractitionerEmail == "" {
		missing = append(missing, errors.New("practitioner_email is required"))
	}
	if e.PatientEmail == "" {
		missing = append(missing, errors.New("patient_email is required"))
	}
	if e.Units < 1 || e.Units > DefaultRules.MaxUnitsPerMessage {
		missing = append(missing, fmt.Errorf("units %d out of range", e.Units))
	}
	if e.Units != e.Calc.Result {
		missing = append(missing, fmt.Errorf("units %d diverge from calc result %d", e.Units, e.Calc.Result))
	}

	if len(missing) > 0 {
		return domain.ErrInvalidLedgerEntry.WithError(errors.Join(missing...))
	}
	return nil
}

func validateRange(from, to *time.Time) error {
	if from != nil && to != nil && from.After(*to) {
		return domain.ErrInvalidTimeRange
	}
	return nil
}

func normalizePage(limit, offset int) (int, int, error) {
	if limit < 0 || offset < 0 {
		return 0, 0, domain.ErrInvalidPagination
	}
	if limit == 0 {
		limit = DefaultLedgerLimit
	}
	if limit > MaxLedgerLimit {
		limit = MaxLedgerLimit
	}
	return limit, offset, nil
}
