package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tinytelemetry/sfdwatch/internal/apiclient"
	"github.com/tinytelemetry/sfdwatch/internal/authstore"
	"github.com/tinytelemetry/sfdwatch/internal/model"
)

// accountConfig writes a config pointing at srv with its own auth file,
// optionally seeded with a session.
func accountConfig(t *testing.T, srv *httptest.Server, loggedIn bool) string {
	t.Helper()
	resetSfdwatchEnv(t)

	authPath := filepath.Join(t.TempDir(), "auth.json")
	if loggedIn {
		store, err := authstore.Open(authPath)
		if err != nil {
			t.Fatalf("open auth store: %v", err)
		}
		if err := store.SetToken(model.Token{AccessToken: "a", RefreshToken: "r"}); err != nil {
			t.Fatalf("seed token: %v", err)
		}
	}
	return writeTempConfig(t, "base-url: "+srv.URL+"\nauth-path: "+authPath)
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSignup_ChecksEmailFirst(t *testing.T) {
	var signups atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user/check-email", func(w http.ResponseWriter, r *http.Request) {
		taken := r.URL.Query().Get("email") == "kim@example.com"
		_ = json.NewEncoder(w).Encode(taken)
	})
	mux.HandleFunc("POST /user/signup", func(w http.ResponseWriter, r *http.Request) {
		signups.Add(1)
		var req apiclient.SignupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Nickname != "lee" || req.PhoneNumber != "010-1111-2222" {
			http.Error(w, "missing profile fields", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(model.User{Email: req.Email, Name: req.Name})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := accountConfig(t, srv, false)

	_, err := runRoot(t, "signup", "--config", cfg,
		"--email", "kim@example.com", "--name", "Kim", "--password", "pw")
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("signup with a taken email: err = %v, want ErrEmailTaken", err)
	}
	if signups.Load() != 0 {
		t.Fatal("signup must not be sent when the email is taken")
	}

	out, err := runRoot(t, "signup", "--config", cfg,
		"--email", "lee@example.com", "--name", "Lee", "--nickname", "lee",
		"--phone", "010-1111-2222", "--password", "pw")
	if err != nil {
		t.Fatalf("signup returned error: %v", err)
	}
	if signups.Load() != 1 || !strings.Contains(out, "Registered lee@example.com") {
		t.Fatalf("signups=%d output=%q", signups.Load(), out)
	}
}

func TestProfileUpdate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /user/update", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer a" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var req apiclient.UpdateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(model.User{Email: "kim@example.com", Nickname: req.Nickname})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := accountConfig(t, srv, true)

	if _, err := runRoot(t, "profile", "update", "--config", cfg); err == nil || !strings.Contains(err.Error(), "nothing to update") {
		t.Fatalf("empty update: err = %v", err)
	}

	out, err := runRoot(t, "profile", "update", "--config", cfg, "--nickname", "kimmy")
	if err != nil {
		t.Fatalf("profile update returned error: %v", err)
	}
	if !strings.Contains(out, "Updated kimmy (kim@example.com)") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestProfileUpdate_NotLoggedIn(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := runRoot(t, "profile", "update", "--config", accountConfig(t, srv, false), "--name", "Kim")
	if !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("err = %v, want ErrNotLoggedIn", err)
	}
}

func TestDomainRequest(t *testing.T) {
	var got apiclient.DomainRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /domain/request", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := accountConfig(t, srv, true)

	if _, err := runRoot(t, "domain", "request", "--config", cfg); err == nil {
		t.Fatal("domain request without --domain should fail")
	}

	out, err := runRoot(t, "domain", "request", "--config", cfg,
		"--domain", "steel", "--category", "scratches", "--category", "rusting")
	if err != nil {
		t.Fatalf("domain request returned error: %v", err)
	}
	if got.Domain != "steel" || strings.Join(got.Category, ",") != "scratches,rusting" {
		t.Fatalf("server received %+v", got)
	}
	if !strings.Contains(out, "Requested access to steel") {
		t.Fatalf("unexpected output: %q", out)
	}
}
