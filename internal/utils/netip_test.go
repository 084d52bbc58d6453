package utils

import (
	"net/http/httptest"
	"slices"
	"testing"
)

func TestParseHostNoPort(t *testing.T) {
	tests := map[string]string{
		"":               "",
		"10.0.0.1":       "10.0.0.1",
		"10.0.0.1:8080":  "10.0.0.1",
		"[::1]:443":      "::1",
		"[2001:db8::1]":  "2001:db8::1",
		" 192.168.1.2  ": "192.168.1.2",
	}
	for in, want := range tests {
		if got := ParseHostNoPort(in); got != want {
			t.Errorf("ParseHostNoPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFirstForwardedFor(t *testing.T) {
	if got := FirstForwardedFor(" 1.1.1.1 , 2.2.2.2"); got != "1.1.1.1" {
		t.Errorf("FirstForwardedFor() = %q, want 1.1.1.1", got)
	}
	if got := FirstForwardedFor(""); got != "" {
		t.Errorf("FirstForwardedFor(empty) = %q, want empty", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{"remote addr", "10.0.0.1:1234", nil, false, "10.0.0.1"},
		{"headers ignored without trust", "10.0.0.1:1234", map[string]string{"X-Forwarded-For": "9.9.9.9"}, false, "10.0.0.1"},
		{"cloudflare first", "10.0.0.1:1234", map[string]string{"CF-Connecting-IP": "8.8.8.8", "X-Forwarded-For": "9.9.9.9"}, true, "8.8.8.8"},
		{"left-most xff", "10.0.0.1:1234", map[string]string{"X-Forwarded-For": "9.9.9.9, 10.0.0.2"}, true, "9.9.9.9"},
		{"real ip", "10.0.0.1:1234", map[string]string{"X-Real-IP": "7.7.7.7"}, true, "7.7.7.7"},
		{"garbage header falls through", "10.0.0.1:1234", map[string]string{"X-Forwarded-For": "nope"}, true, "10.0.0.1"},
		{"mapped v4 unmapped", "[::ffff:10.0.0.3]:80", nil, false, "10.0.0.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r, tt.trustProxy); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPMatcher(t *testing.T) {
	m := NewIPMatcher([]string{"10.0.0.0/8", " 192.168.1.5 ", "", "::1", "not-an-ip"})

	if m.IsEmpty() {
		t.Fatal("IsEmpty() = true, want false")
	}
	if got := m.Rejected(); !slices.Equal(got, []string{"not-an-ip"}) {
		t.Errorf("Rejected() = %v, want [not-an-ip]", got)
	}

	tests := map[string]bool{
		"10.20.30.40":     true,
		"::ffff:10.1.1.1": true,
		"192.168.1.5":     true,
		"192.168.1.6":     false,
		"::1":             true,
		"11.0.0.1":        false,
		"":                false,
	}
	for ip, want := range tests {
		if got := m.Allow(ip); got != want {
			t.Errorf("Allow(%q) = %v, want %v", ip, got, want)
		}
	}

	if !NewIPMatcher(nil).IsEmpty() {
		t.Error("NewIPMatcher(nil).IsEmpty() = false, want true")
	}
}
