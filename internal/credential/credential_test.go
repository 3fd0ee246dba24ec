package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/kiautoagent/orchestrator/pkg/types"
)

func TestValidate_MissingRequiredCredential(t *testing.T) {
	os.Unsetenv("TEST_CRED_MISSING")
	v := New(map[string]types.CredentialSpec{
		"test": {EnvVar: "TEST_CRED_MISSING", Required: true, Strategy: types.ProbeNone},
	})

	err := v.Validate(context.Background())
	if err == nil {
		t.Fatal("expected an error for a missing required credential")
	}
	if _, ok := err.(*types.CredentialError); !ok {
		t.Fatalf("expected *types.CredentialError, got %T", err)
	}
}

func TestValidate_OptionalCredentialMissingIsFine(t *testing.T) {
	os.Unsetenv("TEST_CRED_OPTIONAL")
	v := New(map[string]types.CredentialSpec{
		"test": {EnvVar: "TEST_CRED_OPTIONAL", Required: false, Strategy: types.ProbeNone},
	})

	if err := v.Validate(context.Background()); err != nil {
		t.Fatalf("optional missing credential should not fail: %v", err)
	}
}

func TestValidate_PresenceOnlyNoProbe(t *testing.T) {
	os.Setenv("TEST_CRED_PRESENT", "sk-some-long-key-value")
	defer os.Unsetenv("TEST_CRED_PRESENT")

	v := New(map[string]types.CredentialSpec{
		"test": {EnvVar: "TEST_CRED_PRESENT", Required: true, Strategy: types.ProbeNone},
	})

	if err := v.Validate(context.Background()); err != nil {
		t.Fatalf("presence-only credential should pass: %v", err)
	}
}

func TestValidate_ProbeAccepts2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	os.Setenv("TEST_CRED_2XX", "sk-some-long-key-value")
	defer os.Unsetenv("TEST_CRED_2XX")

	v := New(map[string]types.CredentialSpec{
		"test": {EnvVar: "TEST_CRED_2XX", Required: true, Strategy: types.ProbeHead, ProbeURL: srv.URL},
	})

	if err := v.Validate(context.Background()); err != nil {
		t.Fatalf("2xx probe should pass: %v", err)
	}
}

func TestValidate_ProbeRejects401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	os.Setenv("TEST_CRED_401", "sk-some-long-key-value")
	defer os.Unsetenv("TEST_CRED_401")

	v := New(map[string]types.CredentialSpec{
		"test": {EnvVar: "TEST_CRED_401", Required: true, Strategy: types.ProbeHead, ProbeURL: srv.URL},
	})

	err := v.Validate(context.Background())
	if err == nil {
		t.Fatal("expected a fatal error for 401")
	}
}

func TestValidate_ProbeAccepts429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	os.Setenv("TEST_CRED_429", "sk-some-long-key-value")
	defer os.Unsetenv("TEST_CRED_429")

	v := New(map[string]types.CredentialSpec{
		"test": {EnvVar: "TEST_CRED_429", Required: true, Strategy: types.ProbeHead, ProbeURL: srv.URL},
	})

	if err := v.Validate(context.Background()); err != nil {
		t.Fatalf("429 should be treated as valid (rate limited, not rejected): %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		want   probeOutcome
	}{
		{200, outcomeValid},
		{204, outcomeValid},
		{400, outcomeValid},
		{422, outcomeValid},
		{401, outcomeFatal},
		{403, outcomeFatal},
		{429, outcomeValid},
		{500, outcomeWarn},
	}
	for _, c := range cases {
		if got := classify(c.status); got != c.want {
			t.Errorf("classify(%d) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestRemediate_NamesEnvVarAndHint(t *testing.T) {
	spec := types.CredentialSpec{EnvVar: "SECRET_KEY", RemediationHint: "https://example.com/signup"}
	msg := remediate(spec, "probe failed")

	if !contains(msg, "SECRET_KEY") {
		t.Error("remediation message should name the env var")
	}
	if !contains(msg, "https://example.com/signup") {
		t.Error("remediation message should include the hint")
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
