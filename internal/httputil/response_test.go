package httputil

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/companionmemory/compmem/internal/testutil"
)

func TestDecodeJSON(t *testing.T) {
	var body struct {
		Name string `json:"name"`
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"alice"}`))
	testutil.True(t, DecodeJSON(w, r, &body), "valid JSON should decode")
	testutil.Equal(t, "alice", body.Name)

	w = httptest.NewRecorder()
	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"name":`))
	testutil.False(t, DecodeJSON(w, r, &body), "truncated JSON should fail")
	testutil.StatusCode(t, 400, w.Code)
	testutil.Contains(t, w.Body.String(), "invalid JSON body")
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123", ok: true},
		{name: "missing header", header: "", ok: false},
		{name: "wrong scheme", header: "Basic abc123", ok: false},
		{name: "empty token", header: "Bearer ", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			token, ok := ExtractBearerToken(r)
			testutil.Equal(t, tt.ok, ok)
			testutil.Equal(t, tt.want, token)
		})
	}
}

func TestTokenEqual(t *testing.T) {
	testutil.True(t, TokenEqual("secret", "secret"), "identical tokens must match")
	testutil.False(t, TokenEqual("secret", "Secret"), "case differs")
	testutil.False(t, TokenEqual("secret", "secret2"), "length differs")
	testutil.False(t, TokenEqual("", "secret"), "empty vs non-empty")
	testutil.True(t, TokenEqual("", ""), "two empty tokens match")
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, 404, "job not found")

	testutil.StatusCode(t, 404, w.Code)
	testutil.Equal(t, "application/json", w.Header().Get("Content-Type"))
	testutil.Contains(t, w.Body.String(), `"code":404`)
	testutil.Contains(t, w.Body.String(), `"message":"job not found"`)
}
