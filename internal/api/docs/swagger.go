package docs

import (
	"github.com/go-swagno/swagno"
	"github.com/go-swagno/swagno/components/endpoint"
	"github.com/go-swagno/swagno/components/http/response"
	"github.com/go-swagno/swagno/components/mime"
	"github.com/go-swagno/swagno/components/parameter"
)

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Code      string `json:"code" example:"VALIDATION_FAILED"`
	Message   string `json:"message" example:"Request validation failed"`
	RequestID string `json:"request_id,omitempty" example:"3f1c2b1e-8a4d-4b57-9d1e-4c0f6b0e2a7c"`
}

// UsageEventRequest is the calculator input shared by recording and estimating
type UsageEventRequest struct {
	ContentLength        int    `json:"content_length" example:"420"`
	AttachmentsCount     int    `json:"attachments_count" example:"1"`
	AttachmentsSizeBytes int64  `json:"attachments_size_bytes" example:"2400000"`
	Type                 string `json:"type" example:"shared_record"`
	Priority             string `json:"priority" example:"normal"`
}

// RecordMessageRequest reports one persisted practitioner message
type RecordMessageRequest struct {
	ThreadID             string `json:"thread_id" example:"thread-42"`
	MessageID            string `json:"message_id" example:"msg-7"`
	PatientEmail         string `json:"patient_email" example:"amy@example.com"`
	OrgID                string `json:"org_id,omitempty" example:"org-1"`
	App                  string `json:"app,omitempty" example:"web"`
	Source               string `json:"source,omitempty" example:"composer"`
	ContentLength        int    `json:"content_length" example:"420"`
	AttachmentsCount     int    `json:"attachments_count" example:"1"`
	AttachmentsSizeBytes int64  `json:"attachments_size_bytes" example:"2400000"`
	Type                 string `json:"type" example:"text"`
	Priority             string `json:"priority" example:"high"`
}

type RecordMessageResponse struct {
	Accepted bool `json:"accepted" example:"true"`
}

type AttachmentBreakdown struct {
	Count  int   `json:"count" example:"1"`
	SizeMB int64 `json:"size_mb" example:"3"`
	Units  int64 `json:"units" example:"5"`
}

// BreakdownResponse is the audit trail of one calculation
type BreakdownResponse struct {
	BaseUnits   int                 `json:"base_units" example:"1"`
	TextBlocks  int                 `json:"text_blocks" example:"3"`
	Attachments AttachmentBreakdown `json:"attachments"`
	Multipliers []string            `json:"multipliers" example:"shared_record"`
	PreCapUnits int                 `json:"pre_cap_units" example:"12"`
	CapApplied  bool                `json:"cap_applied" example:"false"`
	Result      int                 `json:"result" example:"12"`
	RuleVersion int                 `json:"rule_version" example:"1"`
}

type SummaryResponse struct {
	Practitioner     string `json:"practitioner" example:"dr.who@clinic.example"`
	Patient          string `json:"patient" example:"amy@example.com"`
	Units            int    `json:"units" example:"37"`
	Messages         int    `json:"messages" example:"9"`
	AttachmentsCount int    `json:"attachments_count" example:"2"`
	FirstTS          string `json:"first_ts" example:"2025-01-03T10:00:00Z"`
	LastTS           string `json:"last_ts" example:"2025-01-29T16:45:00Z"`
}

type LedgerEntryResponse struct {
	ID                   string            `json:"id" example:"550e8400-e29b-41d4-a716-446655440000"`
	TimestampUTC         string            `json:"ts_utc" example:"2025-01-29T16:45:00Z"`
	OrgID                string            `json:"org_id,omitempty" example:"org-1"`
	ThreadID             string            `json:"thread_id" example:"thread-42"`
	MessageID            string            `json:"message_id" example:"msg-7"`
	Direction            string            `json:"direction" example:"practitioner_to_patient"`
	PractitionerEmail    string            `json:"practitioner_email" example:"dr.who@clinic.example"`
	PatientEmail         string            `json:"patient_email" example:"amy@example.com"`
	Units                int               `json:"units" example:"12"`
	BaseUnits            int               `json:"base_units" example:"1"`
	CharCount            int               `json:"char_count" example:"420"`
	AttachmentsCount     int               `json:"attachments_count" example:"1"`
	AttachmentsSizeBytes int64             `json:"attachments_size_bytes" example:"2400000"`
	Type                 string            `json:"type" example:"shared_record"`
	Priority             string            `json:"priority" example:"normal"`
	App                  string            `json:"app,omitempty" example:"web"`
	Source               string            `json:"source,omitempty" example:"composer"`
	RuleVersion          int               `json:"rule_version" example:"1"`
	CapApplied           bool              `json:"cap_applied" example:"false"`
	Calc                 BreakdownResponse `json:"calc_json"`
	CreatedAt            string            `json:"created_at" example:"2025-01-29T16:45:00Z"`
	UpdatedAt            string            `json:"updated_at" example:"2025-01-29T16:45:00Z"`
}

type LedgerPageResponse struct {
	Data   []LedgerEntryResponse `json:"data"`
	Total  int                   `json:"total" example:"128"`
	Limit  int                   `json:"limit" example:"50"`
	Offset int                   `json:"offset" example:"0"`
}

var (
	errUnauthorized = response.New(ErrorResponse{Code: "UNAUTHORIZED", Message: "Invalid or missing bearer token"}, "401", "Unauthorized")
	errRateLimited  = response.New(ErrorResponse{Code: "RATE_LIMIT_EXCEEDED", Message: "Rate limit exceeded, please try again later"}, "429", "Too Many Requests")
	errInternal     = response.New(ErrorResponse{Code: "INTERNAL_ERROR", Message: "An unexpected error occurred"}, "500", "Internal Server Error")
	bearerSecurity  = []map[string][]string{{"BearerAuth": {}}}
)

func rangeParams() []*parameter.Parameter {
	return []*parameter.Parameter{
		parameter.StrParam("from", parameter.Query, parameter.WithDescription("Inclusive lower bound (RFC 3339)")),
		parameter.StrParam("to", parameter.Query, parameter.WithDescription("Inclusive upper bound (RFC 3339)")),
	}
}

// NewSwagger creates and configures the Swagger documentation
func NewSwagger() *swagno.Swagger {
	sw := swagno.New(swagno.Config{
		Title:       "Communication Usage API",
		Version:     "v1.0.0",
		Description: "Meters practitioner and patient messages into a usage ledger and exposes authorized summaries",
		Host:        "localhost:3000",
		Path:        "/v1",
	})

	summaryParams := append([]*parameter.Parameter{
		parameter.StrParam("practitioner", parameter.Query, parameter.WithRequired(), parameter.WithDescription("Practitioner email")),
		parameter.StrParam("patient", parameter.Query, parameter.WithRequired(), parameter.WithDescription("Patient email")),
	}, rangeParams()...)

	ledgerParams := append([]*parameter.Parameter{
		parameter.StrParam("thread_id", parameter.Query, parameter.WithDescription("Restrict to one conversation thread")),
		parameter.StrParam("practitioner", parameter.Query, parameter.WithDescription("Practitioner email (practitioners may only pass their own)")),
		parameter.StrParam("patient", parameter.Query, parameter.WithDescription("Patient email (patients may only pass their own)")),
		parameter.StrParam("direction", parameter.Query, parameter.WithDescription("practitioner_to_patient or patient_to_practitioner")),
	}, rangeParams()...)
	ledgerParams = append(ledgerParams,
		parameter.IntParam("limit", parameter.Query, parameter.WithDescription("Page size (default 50, max 200)")),
		parameter.IntParam("offset", parameter.Query, parameter.WithDescription("Rows to skip")),
	)

	endpoints := []*endpoint.EndPoint{
		// POST /v1/usage/messages - Record practitioner to patient usage
		endpoint.New(
			endpoint.POST,
			"/usage/messages",
			endpoint.WithTags("Usage"),
			endpoint.WithSummary("Record usage for a sent message"),
			endpoint.WithDescription("Queues a practitioner to patient message for metering. Recording is best-effort and never fails the send; accepted=false means the event was dropped."),
			endpoint.WithConsume([]mime.MIME{mime.JSON}),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithBody(RecordMessageRequest{}),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(RecordMessageResponse{}, "202", "Usage event accepted"),
			}),
			endpoint.WithErrors([]response.Response{
				response.New(ErrorResponse{Code: "MISSING_PARTY", Message: "practitioner and patient are required"}, "400", "Bad Request"),
				errUnauthorized,
				response.New(ErrorResponse{Code: "FORBIDDEN", Message: "Only practitioners report practitioner to patient usage"}, "403", "Forbidden"),
				response.New(ErrorResponse{Code: "VALIDATION_FAILED", Message: "thread_id and message_id are required"}, "422", "Unprocessable Entity"),
				errRateLimited,
				errInternal,
			}),
			endpoint.WithSecurity(bearerSecurity),
		),

		// POST /v1/usage/estimate - Price a message without recording it
		endpoint.New(
			endpoint.POST,
			"/usage/estimate",
			endpoint.WithTags("Usage"),
			endpoint.WithSummary("Estimate units for a message"),
			endpoint.WithDescription("Runs the unit calculator and returns the full breakdown. Nothing is written to the ledger."),
			endpoint.WithConsume([]mime.MIME{mime.JSON}),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithBody(UsageEventRequest{}),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(BreakdownResponse{}, "200", "Estimate computed"),
			}),
			endpoint.WithErrors([]response.Response{
				response.New(ErrorResponse{Code: "BAD_REQUEST", Message: "Invalid request"}, "400", "Bad Request"),
				errUnauthorized,
				errRateLimited,
			}),
			endpoint.WithSecurity(bearerSecurity),
		),

		// GET /v1/usage/summary - Pair summary
		endpoint.New(
			endpoint.GET,
			"/usage/summary",
			endpoint.WithTags("Usage"),
			endpoint.WithSummary("Summarize usage between a practitioner and a patient"),
			endpoint.WithDescription("Available only to the two parties of the pair. Timestamps are null when the pair has no rows."),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithParams(summaryParams...),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(SummaryResponse{}, "200", "Summary computed"),
			}),
			endpoint.WithErrors([]response.Response{
				response.New(ErrorResponse{Code: "MISSING_PARTY", Message: "practitioner and patient are required"}, "400", "Bad Request"),
				errUnauthorized,
				response.New(ErrorResponse{Code: "NOT_AUTHORIZED", Message: "Not authorized to access usage for this practitioner/patient pair"}, "403", "Forbidden"),
				response.New(ErrorResponse{Code: "INVALID_TIME_RANGE", Message: "from must not be after to"}, "422", "Unprocessable Entity"),
				errRateLimited,
				errInternal,
			}),
			endpoint.WithSecurity(bearerSecurity),
		),

		// GET /v1/usage/ledger - Paginated ledger rows
		endpoint.New(
			endpoint.GET,
			"/usage/ledger",
			endpoint.WithTags("Usage"),
			endpoint.WithSummary("List ledger rows"),
			endpoint.WithDescription("Returns rows where the caller is a party, newest first. Filters naming another identity in the caller's own role are rejected."),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithParams(ledgerParams...),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(LedgerPageResponse{}, "200", "Ledger page"),
			}),
			endpoint.WithErrors([]response.Response{
				response.New(ErrorResponse{Code: "INVALID_PAGINATION", Message: "limit and offset must be non-negative integers"}, "400", "Bad Request"),
				response.New(ErrorResponse{Code: "INVALID_DIRECTION", Message: "direction must be practitioner_to_patient or patient_to_practitioner"}, "400", "Bad Request"),
				errUnauthorized,
				response.New(ErrorResponse{Code: "NOT_AUTHORIZED", Message: "Not authorized to access usage for this practitioner/patient pair"}, "403", "Forbidden"),
				response.New(ErrorResponse{Code: "INVALID_TIME_RANGE", Message: "from must not be after to"}, "422", "Unprocessable Entity"),
				errRateLimited,
				errInternal,
			}),
			endpoint.WithSecurity(bearerSecurity),
		),
	}

	sw.AddEndpoints(endpoints)

	return sw
}
