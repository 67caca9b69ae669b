package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arasola/recoverygate/internal/models"
	"github.com/arasola/recoverygate/internal/services"
	pkghttp "github.com/arasola/recoverygate/pkg/http"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockRecoveryGate implements RecoveryGateInterface for testing
type MockRecoveryGate struct {
	PrecheckFunc func(ctx context.Context, in services.PrecheckInput) (*services.PrecheckResult, error)
	Calls        []services.PrecheckInput
}

func (m *MockRecoveryGate) Precheck(ctx context.Context, in services.PrecheckInput) (*services.PrecheckResult, error) {
	m.Calls = append(m.Calls, in)
	if m.PrecheckFunc == nil {
		return nil, models.ErrUnauthorized
	}
	return m.PrecheckFunc(ctx, in)
}

// MockCaptchaVerifier implements CaptchaVerifierInterface for testing
type MockCaptchaVerifier struct {
	VerifyFunc func(ctx context.Context, token, remoteIP string) bool
	Calls      int
}

func (m *MockCaptchaVerifier) Verify(ctx context.Context, token, remoteIP string) bool {
	m.Calls++
	if m.VerifyFunc == nil {
		return false
	}
	return m.VerifyFunc(ctx, token, remoteIP)
}
