package handler

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/saturnino-fabrica-de-software/commusage/internal/api/middleware"
	"github.com/saturnino-fabrica-de-software/commusage/internal/domain"
	"github.com/saturnino-fabrica-de-software/commusage/internal/usage"
)

type UsageService interface {
	Estimate(e usage.Event) usage.Breakdown
	SummarizeUsage(ctx context.Context, caller domain.User, req usage.SummaryRequest) (*usage.Summary, error)
	GetLedger(ctx context.Context, caller domain.User, f usage.LedgerFilter) (*usage.LedgerPage, error)
}

// UsageRecorder accepts metering events without blocking the request
type UsageRecorder interface {
	Enqueue(msg usage.MessageUsage) bool
}

type UsageHandler struct {
	service  UsageService
	recorder UsageRecorder
	logger   *slog.Logger
}

func NewUsageHandler(service UsageService, recorder UsageRecorder, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{
		service:  service,
		recorder: recorder,
		logger:   logger,
	}
}

type EventRequest struct {
	ContentLength        int    `json:"content_length"`
	AttachmentsCount     int    `json:"attachments_count"`
	AttachmentsSizeBytes int64  `json:"attachments_size_bytes"`
	Type                 string `json:"type"`
	Priority             string `json:"priority"`
}

func (r EventRequest) event() usage.Event {
	return usage.Event{
		ContentLength:        r.ContentLength,
		AttachmentsCount:     r.AttachmentsCount,
		AttachmentsSizeBytes: r.AttachmentsSizeBytes,
		Type:                 usage.MessageType(strings.TrimSpace(r.Type)),
		Priority:             usage.Priority(strings.TrimSpace(r.Priority)),
	}
}

// RecordMessageRequest is sent by the messaging service after a practitioner
// message has been persisted. The practitioner is the authenticated caller.
type RecordMessageRequest struct {
	EventRequest
	ThreadID     string  `json:"thread_id"`
	MessageID    string  `json:"message_id"`
	PatientEmail string  `json:"patient_email"`
	OrgID        *string `json:"org_id,omitempty"`
	App          string  `json:"app,omitempty"`
	Source       string  `json:"source,omitempty"`
}

type RecordMessageResponse struct {
	Accepted bool `json:"accepted"`
}

// RecordMessage handles POST /v1/usage/messages
func (h *UsageHandler) RecordMessage(c *fiber.Ctx) error {
	caller, err := middleware.GetUser(c)
	if err != nil {
		return err
	}
	if caller.Role != domain.RolePractitioner {
		return domain.ErrForbidden.WithMessage("Only practitioners report practitioner to patient usage")
	}

	var req RecordMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return domain.ErrBadRequest.WithError(err)
	}

	req.ThreadID = strings.TrimSpace(req.ThreadID)
	req.MessageID = strings.TrimSpace(req.MessageID)
	if req.ThreadID == "" || req.MessageID == "" {
		return domain.ErrValidationFailed.WithMessage("thread_id and message_id are required")
	}
	if domain.NormalizeEmail(req.PatientEmail) == "" {
		return domain.ErrMissingParty
	}

	accepted := h.recorder.Enqueue(usage.MessageUsage{
		ThreadID:          req.ThreadID,
		MessageID:         req.MessageID,
		OrgID:             req.OrgID,
		PractitionerEmail: caller.Email,
		PatientEmail:      req.PatientEmail,
		Event:             req.event(),
		App:               req.App,
		Source:            req.Source,
	})

	// Metering never fails the send; a dropped event is only reported.
	if !accepted {
		requestID, _ := c.Locals("requestid").(string)
		h.logger.WarnContext(c.UserContext(), "usage event not accepted",
			slog.String("request_id", requestID),
			slog.String("thread_id", req.ThreadID),
			slog.String("message_id", req.MessageID),
		)
	}

	return c.Status(fiber.StatusAccepted).JSON(RecordMessageResponse{Accepted: accepted})
}

// Estimate handles POST /v1/usage/estimate
func (h *UsageHandler) Estimate(c *fiber.Ctx) error {
	var req EventRequest
	if err := c.BodyParser(&req); err != nil {
		return domain.ErrBadRequest.WithError(err)
	}

	return c.JSON(h.service.Estimate(req.event()))
}

type SummaryResponse struct {
	Practitioner string `json:"practitioner"`
	Patient      string `json:"patient"`
	*usage.Summary
}

// GetSummary handles GET /v1/usage/summary
func (h *UsageHandler) GetSummary(c *fiber.Ctx) error {
	caller, err := middleware.GetUser(c)
	if err != nil {
		return err
	}

	from, to, err := parseRange(c)
	if err != nil {
		return err
	}

	req := usage.SummaryRequest{
		Practitioner: domain.NormalizeEmail(c.Query("practitioner")),
		Patient:      domain.NormalizeEmail(c.Query("patient")),
		From:         from,
		To:           to,
	}

	summary, err := h.service.SummarizeUsage(c.UserContext(), caller, req)
	if err != nil {
		return err
	}

	return c.JSON(SummaryResponse{
		Practitioner: req.Practitioner,
		Patient:      req.Patient,
		Summary:      summary,
	})
}

// GetLedger handles GET /v1/usage/ledger
func (h *UsageHandler) GetLedger(c *fiber.Ctx) error {
	caller, err := middleware.GetUser(c)
	if err != nil {
		return err
	}

	from, to, err := parseRange(c)
	if err != nil {
		return err
	}

	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return err
	}

	page, err := h.service.GetLedger(c.UserContext(), caller, usage.LedgerFilter{
		ThreadID:     strings.TrimSpace(c.Query("thread_id")),
		Practitioner: c.Query("practitioner"),
		Patient:      c.Query("patient"),
		Direction:    usage.Direction(strings.TrimSpace(c.Query("direction"))),
		From:         from,
		To:           to,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		return err
	}

	return c.JSON(page)
}

func parseRange(c *fiber.Ctx) (*time.Time, *time.Time, error) {
	from, err := queryTime(c, "from")
	if err != nil {
		return nil, nil, err
	}
	to, err := queryTime(c, "to")
	if err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

func queryTime(c *fiber.Ctx, key string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, domain.ErrBadRequest.WithMessage(key + " must be an RFC 3339 timestamp").WithError(err)
	}

	t = t.UTC()
	return &t, nil
}

func queryInt(c *fiber.Ctx, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.ErrInvalidPagination
	}
	return n, nil
}
