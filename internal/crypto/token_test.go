package crypto

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)
	id := NewUUIDv7()

	tok, err := issuer.Issue(id, "alice")
	if err != nil {
		t.Fatal(err)
	}
	got, claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Fatalf("expected subject %s, got %s", id, got)
	}
	if claims.Username != "alice" {
		t.Fatalf("expected username alice, got %q", claims.Username)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	tok, _ := NewTokenIssuer("a", time.Hour).Issue(uuid.New(), "bob")
	_, _, err := NewTokenIssuer("b", time.Hour).Verify(tok)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Minute)
	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, err := issuer.Issue(uuid.New(), "carol")
	if err != nil {
		t.Fatal(err)
	}
	issuer.now = time.Now
	if _, _, err := issuer.Verify(tok); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	if _, _, err := NewTokenIssuer("secret", 0).Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	if _, err := NewTokenIssuer("", 0).Issue(uuid.New(), "x"); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckPassword(hash, "correct horse"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := CheckPassword(hash, "battery staple"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected ErrPasswordMismatch, got %v", err)
	}
}
