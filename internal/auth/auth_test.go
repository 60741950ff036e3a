package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/relaykit/graph-relay/internal/store"
)

// fakeStore implements PrincipalStore over a fixed set of principals.
type fakeStore struct {
	principals map[string]*store.Principal
}

func (f *fakeStore) GetPrincipal(_ context.Context, email string) (*store.Principal, error) {
	p, ok := f.principals[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{principals: map[string]*store.Principal{
		"u@example.com": {
			Email:        "u@example.com",
			SMTPPassword: "secret123",
			AppID:        "default",
		},
	}}
}

func TestAuthenticate_Success(t *testing.T) {
	t.Parallel()

	a := New(newFakeStore())

	p, err := a.Authenticate(context.Background(), "u@example.com", "secret123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Email != "u@example.com" {
		t.Errorf("principal email: got %q, want %q", p.Email, "u@example.com")
	}
}

func TestAuthenticate_FailuresAreIndistinguishable(t *testing.T) {
	t.Parallel()

	a := New(newFakeStore())

	_, wrongPassErr := a.Authenticate(context.Background(), "u@example.com", "wrong")
	_, unknownErr := a.Authenticate(context.Background(), "nobody@example.com", "secret123")

	if !errors.Is(wrongPassErr, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v, want ErrInvalidCredentials", wrongPassErr)
	}
	if !errors.Is(unknownErr, ErrInvalidCredentials) {
		t.Errorf("unknown principal: got %v, want ErrInvalidCredentials", unknownErr)
	}
	if wrongPassErr.Error() != unknownErr.Error() {
		t.Errorf("errors differ: %q vs %q", wrongPassErr, unknownErr)
	}
}

func TestAuthenticate_ExactMatchOnly(t *testing.T) {
	t.Parallel()

	a := New(newFakeStore())

	for _, password := range []string{"secret123 ", " secret123", "Secret123", "secret12", ""} {
		if _, err := a.Authenticate(context.Background(), "u@example.com", password); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("password %q: got %v, want ErrInvalidCredentials", password, err)
		}
	}
}

func TestAuthenticate_EmptyStoredPasswordNeverMatches(t *testing.T) {
	t.Parallel()

	fs := newFakeStore()
	fs.principals["empty@example.com"] = &store.Principal{Email: "empty@example.com"}
	a := New(fs)

	if _, err := a.Authenticate(context.Background(), "empty@example.com", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("empty password: got %v, want ErrInvalidCredentials", err)
	}
}

func TestDecodePlain(t *testing.T) {
	t.Parallel()

	// base64("\x00u@example.com\x00secret123")
	user, pass, err := DecodePlain("AHVAZXhhbXBsZS5jb20Ac2VjcmV0MTIz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != "u@example.com" {
		t.Errorf("username: got %q, want %q", user, "u@example.com")
	}
	if pass != "secret123" {
		t.Errorf("password: got %q, want %q", pass, "secret123")
	}
}

func TestDecodePlain_Invalid(t *testing.T) {
	t.Parallel()

	if _, _, err := DecodePlain("not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	// Valid base64 but missing NUL separators
	if _, _, err := DecodePlain("aGVsbG8="); err == nil {
		t.Error("expected error for malformed PLAIN response")
	}
}

func TestDecodeLogin(t *testing.T) {
	t.Parallel()

	// base64("u@example.com"), base64("secret123")
	user, pass, err := DecodeLogin("dUBleGFtcGxlLmNvbQ==", "c2VjcmV0MTIz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != "u@example.com" {
		t.Errorf("username: got %q, want %q", user, "u@example.com")
	}
	if pass != "secret123" {
		t.Errorf("password: got %q, want %q", pass, "secret123")
	}
}
