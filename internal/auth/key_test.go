package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name     string
		provided string
		expected string
		want     bool
	}{
		{
			name:     "correct key matches",
			provided: "correct",
			expected: "correct",
			want:     true,
		},
		{
			name:     "wrong key does not match",
			provided: "wrong",
			expected: "correct",
			want:     false,
		},
		{
			name:     "empty provided does not match",
			provided: "",
			expected: "correct",
			want:     false,
		},
		{
			name:     "empty expected always returns false",
			provided: "anything",
			expected: "",
			want:     false,
		},
		{
			name:     "both empty returns false",
			provided: "",
			expected: "",
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateKey(tt.provided, tt.expected)
			if got != tt.want {
				t.Errorf("ValidateKey(%q, %q) = %v, want %v", tt.provided, tt.expected, got, tt.want)
			}
		})
	}
}

func TestExtractKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		wantKey string
		wantOK  bool
	}{
		{"bearer", map[string]string{"Authorization": "Bearer k1"}, "k1", true},
		{"x-api-key", map[string]string{"X-API-Key": "k2"}, "k2", true},
		{"bearer wins", map[string]string{"Authorization": "Bearer k1", "X-API-Key": "k2"}, "k1", true},
		{"basic scheme", map[string]string{"Authorization": "Basic dXNlcjpwdw=="}, "", true},
		{"none", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			key, ok := ExtractKey(req)
			if key != tt.wantKey || ok != tt.wantOK {
				t.Errorf("ExtractKey() = (%q, %v), want (%q, %v)", key, ok, tt.wantKey, tt.wantOK)
			}
		})
	}
}
