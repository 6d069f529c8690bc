package usage

import (
	"time"

	"github.com/google/uuid"
)

// MessageType is free-form; only TypeSharedRecord changes the calculation.
type MessageType string

const (
	TypeText         MessageType = "text"
	TypeSharedRecord MessageType = "shared_record"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Direction of a metered message between the two parties of a ledger row.
type Direction string

const (
	DirectionPractitionerToPatient Direction = "practitioner_to_patient"
	DirectionPatientToPractitioner Direction = "patient_to_practitioner"
)

func (d Direction) Valid() bool {
	return d == DirectionPractitionerToPatient || d == DirectionPatientToPractitioner
}

// Event is the calculator input for one message send.
type Event struct {
	ContentLength        int         `json:"content_length"`
	AttachmentsCount     int         `json:"attachments_count"`
	AttachmentsSizeBytes int64       `json:"attachments_size_bytes"`
	Type                 MessageType `json:"type"`
	Priority             Priority    `json:"priority"`
}

// Breakdown is the audit trail of a calculation, persisted as calc_json.
type Breakdown struct {
	BaseUnits   int                 `json:"base_units"`
	TextBlocks  int                 `json:"text_blocks"`
	Attachments AttachmentBreakdown `json:"attachments"`
	Multipliers []string            `json:"multipliers"`
	PreCapUnits int                 `json:"pre_cap_units"` // saturates at SaturatedUnits
	CapApplied  bool                `json:"cap_applied"`
	Result      int                 `json:"result"`
	RuleVersion int                 `json:"rule_version"`
}

type AttachmentBreakdown struct {
	Count  int   `json:"count"`
	SizeMB int64 `json:"size_mb"`
	Units  int64 `json:"units"`
}

// LedgerKey identifies a ledger row. Re-recording the same key overwrites.
type LedgerKey struct {
	ThreadID  string    `json:"thread_id"`
	MessageID string    `json:"message_id"`
	Direction Direction `json:"direction"`
}

// Parties of a ledger row. A row always has exactly one of each.
type Parties struct {
	OrgID             *string `json:"org_id,omitempty"`
	PractitionerEmail string  `json:"practitioner_email"`
	PatientEmail      string  `json:"patient_email"`
}

// Provenance tags which client surface produced the event.
type Provenance struct {
	App    string `json:"app,omitempty"`
	Source string `json:"source,omitempty"`
}

type LedgerEntry struct {
	ID                   uuid.UUID   `json:"id"`
	TimestampUTC         time.Time   `json:"ts_utc"`
	OrgID                *string     `json:"org_id,omitempty"`
	ThreadID             string      `json:"thread_id"`
	MessageID            string      `json:"message_id"`
	Direction            Direction   `json:"direction"`
	PractitionerEmail    string      `json:"practitioner_email"`
	PatientEmail         string      `json:"patient_email"`
	Units                int         `json:"units"`
	BaseUnits            int         `json:"base_units"`
	CharCount            int         `json:"char_count"`
	AttachmentsCount     int         `json:"attachments_count"`
	AttachmentsSizeBytes int64       `json:"attachments_size_bytes"`
	Type                 MessageType `json:"type"`
	Priority             Priority    `json:"priority"`
	App                  string      `json:"app,omitempty"`
	Source               string      `json:"source,omitempty"`
	RuleVersion          int         `json:"rule_version"`
	CapApplied           bool        `json:"cap_applied"`
	Calc                 Breakdown   `json:"calc_json"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

func (e *LedgerEntry) Key() LedgerKey {
	return LedgerKey{ThreadID: e.ThreadID, MessageID: e.MessageID, Direction: e.Direction}
}

// NewLedgerEntry builds a row whose summary columns are copied from the
// breakdown, so Units always equals Calc.Result.
func NewLedgerEntry(key LedgerKey, parties Parties, prov Provenance, event Event, calc Breakdown) *LedgerEntry {
	return &LedgerEntry{
		OrgID:                parties.OrgID,
		ThreadID:             key.ThreadID,
		MessageID:            key.MessageID,
		Direction:            key.Direction,
		PractitionerEmail:    parties.PractitionerEmail,
		PatientEmail:         parties.PatientEmail,
		Units:                calc.Result,
		BaseUnits:            calc.BaseUnits,
		CharCount:            max(0, event.ContentLength),
		AttachmentsCount:     max(0, event.AttachmentsCount),
		AttachmentsSizeBytes: max(0, event.AttachmentsSizeBytes),
		Type:                 event.Type,
		Priority:             event.Priority,
		App:                  prov.App,
		Source:               prov.Source,
		RuleVersion:          calc.RuleVersion,
		CapApplied:           calc.CapApplied,
		Calc:                 calc,
	}
}

// MessageUsage is what the message-send pathway hands to the best-effort
// logging entry point after the message itself has been persisted.
type MessageUsage struct {
	ThreadID          string
	MessageID         string
	OrgID             *string
	PractitionerEmail string
	PatientEmail      string
	Event             Event
	App               string
	Source            string
}

// Summary aggregates the ledger rows between one practitioner and one patient.
type Summary struct {
	Units            int        `json:"units"`
	Messages         int        `json:"messages"`
	AttachmentsCount int        `json:"attachments_count"`
	FirstTS          *time.Time `json:"first_ts"`
	LastTS           *time.Time `json:"last_ts"`
}

type SummaryRequest struct {
	Practitioner string
	Patient      string
	From         *time.Time
	To           *time.Time
}

// LedgerFilter is the caller-supplied filter set. It is turned into a
// LedgerQuery only by ScopeLedgerQuery.
type LedgerFilter struct {
	ThreadID     string
	Practitioner string
	Patient      string
	Direction    Direction
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

// LedgerQuery is an authorized, normalized filter set ready for the store.
// Participant, when set, restricts rows to those where the identity is
// either party.
type LedgerQuery struct {
	ThreadID     string
	Practitioner string
	Patient      string
	Participant  string
	Direction    Direction
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

type LedgerPage struct {
	Data   []LedgerEntry `json:"data"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}
