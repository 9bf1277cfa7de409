package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatguard/internal/catalog"
	"chatguard/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "abcd0123456789wxyz"

func newTestClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return NewClient(ClientConfig{Logger: logger})
}

func TestInspectSendsWireFormat(t *testing.T) {
	var got wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/inspect/chat", r.URL.Path)
		assert.Equal(t, testKey, r.Header.Get("X-Cisco-AI-Defense-API-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"is_safe":false,"attack_technique":"NONE_ATTACK_TECHNIQUE","severity":"NONE_SEVERITY",
			"rules":[{"rule_name":"PII","classification":"PRIVACY_VIOLATION","entity_types":["Email Address"]}]}`))
	}))
	defer srv.Close()

	v, err := newTestClient(nil).Inspect(context.Background(), Request{
		Server:   srv.URL + "/",
		APIKey:   testKey,
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "mail me at a@b.c"}},
		Rules:    []catalog.Rule{catalog.Resolve(catalog.PII), catalog.Resolve(catalog.Harassment)},
	})
	require.NoError(t, err)

	require.Len(t, got.Messages, 1)
	assert.Equal(t, domain.RoleUser, got.Messages[0].Role)
	assert.NotNil(t, got.Metadata)
	require.Len(t, got.Config.EnabledRules, 2)
	assert.Len(t, got.Config.EnabledRules[0].EntityTypes, 6)
	assert.Empty(t, got.Config.EnabledRules[1].EntityTypes)

	assert.False(t, v.IsSafe)
	assert.Empty(t, v.AttackTechnique)
	assert.Empty(t, v.Severity)
	require.Len(t, v.Rules, 1)
	assert.Equal(t, "PII", v.Rules[0].RuleName)
	assert.Equal(t, "PRIVACY_VIOLATION", v.Rules[0].Classification)
}

func TestInspectEmptyRulesSentAsArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(raw), `"enabled_rules":[]`)
		w.Write([]byte(`{"is_safe":true}`))
	}))
	defer srv.Close()

	v, err := newTestClient(nil).Inspect(context.Background(), Request{Server: srv.URL, APIKey: testKey})
	require.NoError(t, err)
	assert.True(t, v.IsSafe)
}

// --- Error classification ---

func TestInspectErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		rules    []catalog.Rule
		want     *Error
		wantUser string
	}{
		{"unauthorized", 401, `{"message":"bad key"}`, nil, ErrUnauthorized, msgUnauthorized},
		{"policy conflict", 400, `{}`, []catalog.Rule{catalog.Resolve(catalog.PII)}, ErrPolicyConflict, msgPolicyConflict},
		{"policy missing", 500, `{}`, nil, ErrPolicyMissing, msgPolicyMissing},
		{"500 with rules", 500, `{"message":"boom"}`, []catalog.Rule{catalog.Resolve(catalog.PII)}, ErrOther, "API Inspect Request Failed due to: boom"},
		{"other status", 503, ``, nil, ErrOther, "API Inspect Request Failed due to: HTTP 503"},
		{"malformed", 200, `not json`, nil, ErrOther, "API Inspect Request Failed due to: malformed inspection response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(nil).Inspect(context.Background(), Request{Server: srv.URL, APIKey: testKey, Rules: tt.rules})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			var ie *Error
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.wantUser, ie.UserMessage())
		})
	}
}

func TestInspectNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(nil).Inspect(context.Background(), Request{Server: url, APIKey: testKey})
	require.ErrorIs(t, err, ErrOther)
	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.Zero(t, ie.Status)
}

// --- Logging ---

func TestInspectLogsMaskedKeyOnly(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"is_safe":true,"marker":"raw-response"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(logger).Inspect(context.Background(), Request{Server: srv.URL, APIKey: testKey})
	require.NoError(t, err)

	out := buf.String()
	assert.NotContains(t, out, testKey)
	assert.Contains(t, out, "abcd******wxyz")
	assert.Contains(t, out, "raw-response")
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "abcd******wxyz", MaskKey(testKey))
	assert.Equal(t, "[REDACTED]", MaskKey("short"))
	assert.Equal(t, "[REDACTED]", MaskKey(""))
}

func TestRegionServer(t *testing.T) {
	s, err := RegionServer("EU")
	require.NoError(t, err)
	assert.Equal(t, "https://eu.api.inspect.aidefense.security.cisco.com/", s)
	_, err = RegionServer("mars")
	assert.Error(t, err)
}
