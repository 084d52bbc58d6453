package auth

import (
	"errors"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	s, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("APP_SECRET"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestParseUnverified(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		token   string
		want    Claims
		wantErr bool
	}{
		{"string id", sign(t, gojwt.MapClaims{"userId": "u1", "name": "Ada"}), Claims{UserID: "u1", Name: "Ada"}, false},
		{"numeric id", sign(t, gojwt.MapClaims{"userId": 42}), Claims{UserID: "42"}, false},
		{"expiry", sign(t, gojwt.MapClaims{"userId": "u1", "exp": exp.Unix()}), Claims{UserID: "u1", ExpiresAt: exp}, false},
		{"no user", sign(t, gojwt.MapClaims{"sub": "x"}), Claims{}, true},
		{"garbage", "not-a-jwt", Claims{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUnverified(tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseUnverified() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got.UserID != tt.want.UserID || got.Name != tt.want.Name || !got.ExpiresAt.Equal(tt.want.ExpiresAt) {
				t.Errorf("ParseUnverified() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTokenAuth(t *testing.T) {
	a, err := NewTokenAuth("")
	if err != nil {
		t.Fatalf("NewTokenAuth() error = %v", err)
	}
	if a.Authenticated() {
		t.Error("empty token should be anonymous")
	}

	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := sign(t, gojwt.MapClaims{"userId": "u1", "exp": exp.Unix()})
	if err := a.SetToken(tok); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}
	a.now = func() time.Time { return exp.Add(-time.Hour) }

	if !a.Authenticated() {
		t.Error("Authenticated() = false, want true")
	}
	if a.Viewer().ID != "u1" || a.Token() != tok {
		t.Errorf("Viewer() = %+v, want u1", a.Viewer())
	}

	a.now = func() time.Time { return exp.Add(time.Minute) }
	if a.Authenticated() {
		t.Error("expired token should not authenticate")
	}

	if err := a.SetToken(sign(t, gojwt.MapClaims{"sub": "x"})); !errors.Is(err, ErrNoUserClaim) {
		t.Errorf("SetToken() error = %v, want %v", err, ErrNoUserClaim)
	}
	if a.Viewer().ID != "u1" {
		t.Error("a rejected token must not replace the current one")
	}
}
