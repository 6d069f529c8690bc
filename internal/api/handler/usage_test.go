package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/saturnino-fabrica-de-software/commusage/internal/api/middleware"
	"github.com/saturnino-fabrica-de-software/commusage/internal/domain"
	"github.com/saturnino-fabrica-de-software/commusage/internal/usage"
)

// MockUsageService is a mock implementation of UsageService
type MockUsageService struct {
	mock.Mock
}

func (m *MockUsageService) Estimate(e usage.Event) usage.Breakdown {
	args := m.Called(e)
	return args.Get(0).(usage.Breakdown)
}

func (m *MockUsageService) SummarizeUsage(ctx context.Context, caller domain.User, req usage.SummaryRequest) (*usage.Summary, error) {
	args := m.Called(ctx, caller, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*usage.Summary), args.Error(1)
}

func (m *MockUsageService) GetLedger(ctx context.Context, caller domain.User, f usage.LedgerFilter) (*usage.LedgerPage, error) {
	args := m.Called(ctx, caller, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*usage.LedgerPage), args.Error(1)
}

// MockUsageRecorder is a mock implementation of UsageRecorder
type MockUsageRecorder struct {
	mock.Mock
}

func (m *MockUsageRecorder) Enqueue(msg usage.MessageUsage) bool {
	args := m.Called(msg)
	return args.Bool(0)
}

var (
	practitioner = domain.User{Email: "dr.who@clinic.example", Role: domain.RolePractitioner}
	patient      = domain.User{Email: "amy@example.com", Role: domain.RolePatient}
)

// testLogger returns a logger that discards all output
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupUsageApp(svc UsageService, rec UsageRecorder, caller *domain.User) *fiber.App {
	return setupUsageAppWithLogger(svc, rec, caller, testLogger())
}

func setupUsageAppWithLogger(svc UsageService, rec UsageRecorder, caller *domain.User, logger *slog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(logger)})
	app.Use(requestid.New())

	if caller != nil {
		user := *caller
		app.Use(func(c *fiber.Ctx) error {
			c.Locals(middleware.LocalUser, user)
			return c.Next()
		})
	}

	h := NewUsageHandler(svc, rec, logger)
	app.Post("/v1/usage/messages", h.RecordMessage)
	app.Post("/v1/usage/estimate", h.Estimate)
	app.Get("/v1/usage/summary", h.GetSummary)
	app.Get("/v1/usage/ledger", h.GetLedger)

	return app
}

func doJSON(t *testing.T, app *fiber.App, method, target, body string) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestUsageHandler_RecordMessage(t *testing.T) {
	t.Run("enqueues with the caller as practitioner", func(t *testing.T) {
		rec := new(MockUsageRecorder)
		rec.On("Enqueue", usage.MessageUsage{
			ThreadID:          "t-1",
			MessageID:         "m-1",
			PractitionerEmail: practitioner.Email,
			PatientEmail:      patient.Email,
			Event: usage.Event{
				ContentLength:        250,
				AttachmentsCount:     1,
				AttachmentsSizeBytes: 1200,
				Type:                 usage.TypeSharedRecord,
				Priority:             usage.PriorityHigh,
			},
			App:    "web",
			Source: "composer",
		}).Return(true)

		app := setupUsageApp(new(MockUsageService), rec, &practitioner)

		status, body := doJSON(t, app, "POST", "/v1/usage/messages", `{
			"thread_id": "t-1",
			"message_id": "m-1",
			"patient_email": "amy@example.com",
			"content_length": 250,
			"attachments_count": 1,
			"attachments_size_bytes": 1200,
			"type": "shared_record",
			"priority": "high",
			"app": "web",
			"source": "composer"
		}`)

		assert.Equal(t, 202, status)
		assert.Equal(t, true, body["accepted"])
		rec.AssertExpectations(t)
	})

	t.Run("full queue still answers 202 and warns", func(t *testing.T) {
		rec := new(MockUsageRecorder)
		rec.On("Enqueue", mock.Anything).Return(false)

		var logs bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
		app := setupUsageAppWithLogger(new(MockUsageService), rec, &practitioner, logger)

		status, body := doJSON(t, app, "POST", "/v1/usage/messages",
			`{"thread_id":"t-1","message_id":"m-1","patient_email":"amy@example.com"}`)

		assert.Equal(t, 202, status)
		assert.Equal(t, false, body["accepted"])

		var entry map[string]any
		require.NoError(t, json.Unmarshal(logs.Bytes(), &entry), "logs: %s", logs.String())
		assert.Equal(t, "usage event not accepted", entry["msg"])
		assert.Equal(t, "t-1", entry["thread_id"])
		assert.Equal(t, "m-1", entry["message_id"])
		assert.NotEmpty(t, entry["request_id"])
	})

	t.Run("accepted events are not logged", func(t *testing.T) {
		rec := new(MockUsageRecorder)
		rec.On("Enqueue", mock.Anything).Return(true)

		var logs bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
		app := setupUsageAppWithLogger(new(MockUsageService), rec, &practitioner, logger)

		status, _ := doJSON(t, app, "POST", "/v1/usage/messages",
			`{"thread_id":"t-1","message_id":"m-1","patient_email":"amy@example.com"}`)

		assert.Equal(t, 202, status)
		assert.Empty(t, logs.String())
	})

	t.Run("patients cannot report practitioner usage", func(t *testing.T) {
		rec := new(MockUsageRecorder)
		app := setupUsageApp(new(MockUsageService), rec, &patient)

		status, body := doJSON(t, app, "POST", "/v1/usage/messages",
			`{"thread_id":"t-1","message_id":"m-1","patient_email":"amy@example.com"}`)

		assert.Equal(t, 403, status)
		assert.Equal(t, "FORBIDDEN", errorCode(body))
		rec.AssertNotCalled(t, "Enqueue", mock.Anything)
	})

	t.Run("validation", func(t *testing.T) {
		tests := []struct {
			name     string
			body     string
			wantCode string
			status   int
		}{
			{name: "missing ids", body: `{"patient_email":"amy@example.com"}`, wantCode: "VALIDATION_FAILED", status: 422},
			{name: "missing patient", body: `{"thread_id":"t-1","message_id":"m-1"}`, wantCode: "MISSING_PARTY", status: 400},
			{name: "malformed json", body: `{"thread_id":`, wantCode: "BAD_REQUEST", status: 400},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := new(MockUsageRecorder)
				app := setupUsageApp(new(MockUsageService), rec, &practitioner)

				status, body := doJSON(t, app, "POST", "/v1/usage/messages", tt.body)

				assert.Equal(t, tt.status, status)
				assert.Equal(t, tt.wantCode, errorCode(body))
				rec.AssertNotCalled(t, "Enqueue", mock.Anything)
			})
		}
	})

	t.Run("requires authentication", func(t *testing.T) {
		app := setupUsageApp(new(MockUsageService), new(MockUsageRecorder), nil)

		status, _ := doJSON(t, app, "POST", "/v1/usage/messages", `{}`)

		assert.Equal(t, 401, status)
	})
}

func TestUsageHandler_Estimate(t *testing.T) {
	svc := new(MockUsageService)
	event := usage.Event{ContentLength: 250}
	svc.On("Estimate", event).Return(usage.ComputeUnits(event))

	app := setupUsageApp(svc, new(MockUsageRecorder), &patient)

	status, body := doJSON(t, app, "POST", "/v1/usage/estimate", `{"content_length":250}`)

	assert.Equal(t, 200, status)
	assert.Equal(t, float64(3), body["result"])
	assert.Equal(t, float64(2), body["text_blocks"])
	assert.Equal(t, float64(1), body["rule_version"])
	assert.Equal(t, []any{}, body["multipliers"])
}

func TestUsageHandler_GetSummary(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("returns the pair summary", func(t *testing.T) {
		svc := new(MockUsageService)
		last := from.Add(48 * time.Hour)
		svc.On("SummarizeUsage", mock.Anything, patient, usage.SummaryRequest{
			Practitioner: practitioner.Email,
			Patient:      patient.Email,
			From:         &from,
		}).Return(&usage.Summary{Units: 9, Messages: 4, AttachmentsCount: 1, FirstTS: &from, LastTS: &last}, nil)

		app := setupUsageApp(svc, new(MockUsageRecorder), &patient)

		status, body := doJSON(t, app, "GET",
			"/v1/usage/summary?practitioner=Dr.Who@clinic.example&patient=amy@example.com&from=2025-01-01T00:00:00Z", "")

		assert.Equal(t, 200, status)
		assert.Equal(t, practitioner.Email, body["practitioner"])
		assert.Equal(t, patient.Email, body["patient"])
		assert.Equal(t, float64(9), body["units"])
		assert.Equal(t, float64(4), body["messages"])
		assert.Equal(t, "2025-01-03T00:00:00Z", body["last_ts"])
		svc.AssertExpectations(t)
	})

	t.Run("empty summary serializes null timestamps", func(t *testing.T) {
		svc := new(MockUsageService)
		svc.On("SummarizeUsage", mock.Anything, patient, mock.Anything).Return(&usage.Summary{}, nil)

		app := setupUsageApp(svc, new(MockUsageRecorder), &patient)

		status, body := doJSON(t, app, "GET", "/v1/usage/summary?practitioner=x@clinic.example&patient=amy@example.com", "")

		assert.Equal(t, 200, status)
		assert.Equal(t, float64(0), body["units"])
		assert.Contains(t, body, "first_ts")
		assert.Nil(t, body["first_ts"])
	})

	t.Run("third party gets 403", func(t *testing.T) {
		svc := new(MockUsageService)
		svc.On("SummarizeUsage", mock.Anything, mock.Anything, mock.Anything).Return(nil, domain.ErrNotAuthorized)

		app := setupUsageApp(svc, new(MockUsageRecorder), &domain.User{Email: "rory@example.com", Role: domain.RolePatient})

		status, body := doJSON(t, app, "GET", "/v1/usage/summary?practitioner=dr.who@clinic.example&patient=amy@example.com", "")

		assert.Equal(t, 403, status)
		assert.Equal(t, "NOT_AUTHORIZED", errorCode(body))
	})

	t.Run("malformed timestamp", func(t *testing.T) {
		svc := new(MockUsageService)
		app := setupUsageApp(svc, new(MockUsageRecorder), &patient)

		status, body := doJSON(t, app, "GET", "/v1/usage/summary?practitioner=a@b.io&patient=amy@example.com&to=yesterday", "")

		assert.Equal(t, 400, status)
		assert.Equal(t, "BAD_REQUEST", errorCode(body))
		svc.AssertNotCalled(t, "SummarizeUsage", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestUsageHandler_GetLedger(t *testing.T) {
	t.Run("passes filters and returns the page", func(t *testing.T) {
		svc := new(MockUsageService)
		from := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(2025, 2, 28, 23, 59, 59, 0, time.UTC)

		svc.On("GetLedger", mock.Anything, practitioner, usage.LedgerFilter{
			ThreadID:  "t-1",
			Patient:   patient.Email,
			Direction: usage.DirectionPractitionerToPatient,
			From:      &from,
			To:        &to,
			Limit:     10,
			Offset:    20,
		}).Return(&usage.LedgerPage{
			Data:   []usage.LedgerEntry{{ThreadID: "t-1", MessageID: "m-9", Units: 3}},
			Total:  21,
			Limit:  10,
			Offset: 20,
		}, nil)

		app := setupUsageApp(svc, new(MockUsageRecorder), &practitioner)

		status, body := doJSON(t, app, "GET",
			"/v1/usage/ledger?thread_id=t-1&patient=amy@example.com&direction=practitioner_to_patient"+
				"&from=2025-02-01T00:00:00Z&to=2025-02-28T23:59:59Z&limit=10&offset=20", "")

		assert.Equal(t, 200, status)
		assert.Equal(t, float64(21), body["total"])
		assert.Equal(t, float64(10), body["limit"])
		assert.Equal(t, float64(20), body["offset"])
		data, ok := body["data"].([]any)
		require.True(t, ok)
		require.Len(t, data, 1)
		assert.Equal(t, "m-9", data[0].(map[string]any)["message_id"])
		svc.AssertExpectations(t)
	})

	t.Run("timestamps with offsets are normalized to UTC", func(t *testing.T) {
		svc := new(MockUsageService)
		want := time.Date(2025, 2, 1, 3, 0, 0, 0, time.UTC)
		svc.On("GetLedger", mock.Anything, practitioner, mock.MatchedBy(func(f usage.LedgerFilter) bool {
			return f.From != nil && f.From.Equal(want) && f.From.Location() == time.UTC
		})).Return(&usage.LedgerPage{Data: []usage.LedgerEntry{}, Limit: 50}, nil)

		app := setupUsageApp(svc, new(MockUsageRecorder), &practitioner)

		status, _ := doJSON(t, app, "GET", "/v1/usage/ledger?from=2025-02-01T00:00:00-03:00", "")

		assert.Equal(t, 200, status)
		svc.AssertExpectations(t)
	})

	t.Run("foreign practitioner filter is forbidden", func(t *testing.T) {
		svc := new(MockUsageService)
		svc.On("GetLedger", mock.Anything, patient, mock.Anything).Return(nil, domain.ErrNotAuthorized)

		app := setupUsageApp(svc, new(MockUsageRecorder), &patient)

		status, body := doJSON(t, app, "GET", "/v1/usage/ledger?practitioner=someone@clinic.example", "")

		assert.Equal(t, 403, status)
		assert.Equal(t, "NOT_AUTHORIZED", errorCode(body))
	})

	t.Run("inverted range surfaces 422", func(t *testing.T) {
		svc := new(MockUsageService)
		svc.On("GetLedger", mock.Anything, patient, mock.Anything).Return(nil, domain.ErrInvalidTimeRange)

		app := setupUsageApp(svc, new(MockUsageRecorder), &patient)

		status, body := doJSON(t, app, "GET", "/v1/usage/ledger?from=2025-03-01T00:00:00Z&to=2025-01-01T00:00:00Z", "")

		assert.Equal(t, 422, status)
		assert.Equal(t, "INVALID_TIME_RANGE", errorCode(body))
	})

	t.Run("non-numeric or negative paging", func(t *testing.T) {
		for _, query := range []string{"limit=ten", "offset=-1", "limit=-5"} {
			svc := new(MockUsageService)
			app := setupUsageApp(svc, new(MockUsageRecorder), &patient)

			status, body := doJSON(t, app, "GET", "/v1/usage/ledger?"+query, "")

			assert.Equal(t, 400, status, query)
			assert.Equal(t, "INVALID_PAGINATION", errorCode(body), query)
			svc.AssertNotCalled(t, "GetLedger", mock.Anything, mock.Anything, mock.Anything)
		}
	})
}
