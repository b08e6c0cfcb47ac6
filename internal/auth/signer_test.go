package auth

import (
	"errors"
	"net/http"
	"testing"
)

func TestBearerSignsRequest(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://stream.example/1.1/statuses/sample.json", nil)
	if err := Apply(Bearer("abc"), req); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer abc" {
		t.Fatalf("unexpected header %q", got)
	}
	if err := VerifyBearer(req, "abc"); err != nil {
		t.Fatalf("expected token accepted: %v", err)
	}
	if err := VerifyBearer(req, "other"); err == nil {
		t.Fatal("expected mismatched token rejected")
	}
}

func TestBearerWithoutTokenFails(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	if err := Apply(Bearer("  "), req); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestAnonymousLeavesHeaderUnset(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	if err := Apply(Anonymous(), req); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatal("expected no Authorization header")
	}
	if err := VerifyBearer(req, "x"); err == nil {
		t.Fatal("expected missing header rejected")
	}
}

func TestSignerFuncSeesRequest(t *testing.T) {
	s := SignerFunc(func(r *http.Request) (string, error) {
		return `OAuth oauth_path="` + r.URL.Path + `"`, nil
	})
	req, _ := http.NewRequest(http.MethodPost, "https://stream.example/1.1/statuses/filter.json", nil)
	if err := Apply(s, req); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != `OAuth oauth_path="/1.1/statuses/filter.json"` {
		t.Fatalf("unexpected header %q", got)
	}
}
