package secrets

import (
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestGetFromKeyring(t *testing.T) {
	keyring.MockInit()
	s := New()

	if err := s.Set("anthropic_api_key", "sk-test"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := s.Get("anthropic_api_key")
	if !ok || v != "sk-test" {
		t.Errorf("Get = %q, %v", v, ok)
	}
}

func TestGetEnvFallback(t *testing.T) {
	keyring.MockInit()
	t.Setenv("GROQ_API_KEY", "gsk-env")

	v, ok := New().Get("groq_api_key")
	if !ok || v != "gsk-env" {
		t.Errorf("Get = %q, %v; want env fallback", v, ok)
	}
}

func TestKeyringWinsOverEnv(t *testing.T) {
	keyring.MockInit()
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	s := New()

	if err := s.Set("anthropic_api_key", "sk-ring"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, _ := s.Get("anthropic_api_key")
	if v != "sk-ring" {
		t.Errorf("Get = %q, keyring should win", v)
	}
}

func TestGetMiss(t *testing.T) {
	keyring.MockInit()
	t.Setenv("NO_SUCH_SECRET", "")

	if v, ok := New().Get("no_such_secret"); ok {
		t.Errorf("Get = %q, want miss", v)
	}
	if _, ok := New().Get(""); ok {
		t.Error("empty name should miss")
	}
}

func TestKeyringFailureFallsBack(t *testing.T) {
	keyring.MockInitWithError(errors.New("dbus unavailable"))
	t.Setenv("MISTRAL_API_KEY", "sk-env")

	v, ok := New().Get("mistral_api_key")
	if !ok || v != "sk-env" {
		t.Errorf("Get = %q, %v; keyring failure should fall through", v, ok)
	}
}

func TestDelete(t *testing.T) {
	keyring.MockInit()
	s := New()

	if err := s.Set("tmp_key", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete("tmp_key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get("tmp_key"); ok {
		t.Error("secret should be gone")
	}
	if err := s.Delete("tmp_key"); err != nil {
		t.Errorf("deleting absent secret: %v", err)
	}
}
