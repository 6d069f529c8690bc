package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saturnino-fabrica-de-software/commusage/internal/domain"
)

type errorResponse struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

func decodeError(t *testing.T, body io.Reader) errorResponse {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "app error",
			err:        domain.ErrNotAuthorized,
			wantStatus: 403,
			wantCode:   "NOT_AUTHORIZED",
		},
		{
			name:       "wrapped app error",
			err:        domain.ErrInvalidLedgerEntry.WithError(errors.New("thread_id is required")),
			wantStatus: 422,
			wantCode:   "INVALID_LEDGER_ENTRY",
		},
		{
			name:       "fiber error",
			err:        fiber.ErrMethodNotAllowed,
			wantStatus: 405,
			wantCode:   "HTTP_ERROR",
		},
		{
			name:       "unknown error",
			err:        errors.New("pool exhausted"),
			wantStatus: 500,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(testLogger())})
			app.Use(requestid.New())
			app.Get("/", func(c *fiber.Ctx) error { return tt.err })

			resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			body := decodeError(t, resp.Body)
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
			assert.Equal(t, resp.Header.Get(fiber.HeaderXRequestID), body.Error.RequestID)
		})
	}

	t.Run("internal details are not leaked", func(t *testing.T) {
		app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(testLogger())})
		app.Get("/", func(c *fiber.Ctx) error {
			return domain.ErrInternal.WithError(errors.New("password authentication failed"))
		})

		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)

		raw, _ := io.ReadAll(resp.Body)
		assert.NotContains(t, string(raw), "password")
	})
}

func TestRecover(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(testLogger())})
	app.Use(Recover(testLogger()))
	app.Get("/", func(c *fiber.Ctx) error {
		panic("nil map write")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, resp.Body).Error.Code)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(testLogger())})
	app.Use(requestid.New())
	app.Use(Logger(logger))
	app.Get("/denied", func(c *fiber.Ctx) error {
		c.Locals(LocalUser, domain.User{Email: "rory@example.com"})
		return domain.ErrNotAuthorized
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/denied", nil))
	require.NoError(t, err)
	assert.Equal(t, 403, resp.StatusCode)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "http request", entry["msg"])
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, float64(403), entry["status"])
	assert.Equal(t, "rory@example.com", entry["user"])
	assert.NotEmpty(t, entry["request_id"])
}
