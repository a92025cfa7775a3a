package hkpserver

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ctrliq/keynotify/internal/pkg/defaultdb"
	"github.com/ctrliq/keynotify/pkg/database"
	"github.com/ctrliq/keynotify/pkg/hkp"
)

const (
	validFingerprint   = "23A6CF6E59F24607DA5E8443F0141E77BF5E1BFD"
	revokedFingerprint = "CBB86377BC7F687FED4AF65BF70D859D1FF57AB4"
	missingFingerprint = "0000000000000000000000000000000000000000"
)

func readTestKey(t *testing.T, name string) string {
	b, err := ioutil.ReadFile(filepath.Join("..", "keystate", "testdata", name))
	if err != nil {
		t.Fatalf("while reading test key %s: %s", name, err)
	}
	return string(b)
}

func newDirectory(t *testing.T) database.Engine {
	db := defaultdb.New(defaultdb.Config{})
	if err := db.Connect(); err != nil {
		t.Fatalf("unexpected error while connecting to database: %s", err)
	}
	t.Cleanup(func() { db.Disconnect() })

	valid := readTestKey(t, "valid.asc")

	users := []*database.User{
		{Email: "valid@example.com", Name: "Valid", Fingerprint: validFingerprint, PublicKey: valid},
		{Email: "shared@example.com", Name: "Shared", Fingerprint: validFingerprint, PublicKey: valid},
		{
			Email:       "revoked@example.com",
			Name:        "Revoked",
			Fingerprint: revokedFingerprint,
			PublicKey:   readTestKey(t, "revoked.asc"),
			KeyRevoked:  true,
		},
		{Email: "nokey@example.com", Name: "No key"},
	}
	for _, u := range users {
		if err := db.AddUser(u); err != nil {
			t.Fatalf("unexpected error while adding user %s: %s", u.Email, err)
		}
	}

	return db
}

func TestHandler(t *testing.T) {
	handler := Handler(newDirectory(t))

	lookup := func(search, op string) string {
		q := url.Values{}
		q.Set("search", search)
		q.Set("op", op)
		return LookupRoute + "?" + q.Encode()
	}

	tests := []struct {
		name    string
		method  string
		path    string
		code    int
		content string
	}{
		{
			name:   "post lookup",
			method: http.MethodPost,
			path:   LookupRoute,
			code:   http.StatusMethodNotAllowed,
		},
		{
			name:   "nm option",
			method: http.MethodGet,
			path:   LookupRoute + "?options=nm",
			code:   http.StatusNotImplemented,
		},
		{
			name:   "search without op",
			method: http.MethodGet,
			path:   LookupRoute + "?search=test",
			code:   http.StatusNotImplemented,
		},
		{
			name:    "too short fingerprint search",
			method:  http.MethodGet,
			path:    lookup("0x0000", "get"),
			code:    http.StatusBadRequest,
			content: ErrShortSearch.Error(),
		},
		{
			name:    "non hexadecimal fingerprint search",
			method:  http.MethodGet,
			path:    lookup("0xGGGGGGGG", "get"),
			code:    http.StatusBadRequest,
			content: ErrBadSearch.Error(),
		},
		{
			name:   "unsupported key id length",
			method: http.MethodGet,
			path:   lookup("0x0123456789", "get"),
			code:   http.StatusBadRequest,
		},
		{
			name:   "search without email",
			method: http.MethodGet,
			path:   lookup("valid", "get"),
			code:   http.StatusBadRequest,
		},
		{
			name:   "get missing fingerprint",
			method: http.MethodGet,
			path:   lookup("0x"+missingFingerprint, "get"),
			code:   http.StatusNotFound,
		},
		{
			name:    "get full fingerprint",
			method:  http.MethodGet,
			path:    lookup("0x"+validFingerprint, "get"),
			code:    http.StatusOK,
			content: "-----BEGIN PGP PUBLIC KEY BLOCK-----",
		},
		{
			name:    "index short key id",
			method:  http.MethodGet,
			path:    lookup("0x"+strings.ToLower(validFingerprint[32:]), "index"),
			code:    http.StatusOK,
			content: "info:1:1\npub:" + validFingerprint,
		},
		{
			name:    "index long key id",
			method:  http.MethodGet,
			path:    lookup("0x"+validFingerprint[24:], "vindex"),
			code:    http.StatusOK,
			content: "pub:" + validFingerprint,
		},
		{
			name:    "index revoked key by email",
			method:  http.MethodGet,
			path:    lookup("Revoked <REVOKED@example.com>", "index"),
			code:    http.StatusOK,
			content: "::r\n",
		},
		{
			name:   "user without key",
			method: http.MethodGet,
			path:   lookup("nokey@example.com", "get"),
			code:   http.StatusNotFound,
		},
		{
			name:   "add",
			method: http.MethodPost,
			path:   AddRoute,
			code:   http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, tt.path, nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, r)

		if w.Code != tt.code {
			t.Errorf("unexpected status code for %q: got %d instead of %d", tt.name, w.Code, tt.code)
		}
		if tt.content != "" && !strings.Contains(w.Body.String(), tt.content) {
			t.Errorf("unexpected content for %q: %s", tt.name, w.Body.String())
		}
	}
}

func TestLookupWithClient(t *testing.T) {
	srv := httptest.NewServer(Handler(newDirectory(t)))
	defer srv.Close()

	c, err := hkp.NewClient(hkp.Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	kr, err := c.Fetch(context.Background(), validFingerprint)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	} else if kr.Fingerprint != validFingerprint {
		t.Errorf("unexpected key returned: %s", kr.Fingerprint)
	}

	kr, err = c.Fetch(context.Background(), revokedFingerprint)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	} else if !kr.Revoked {
		t.Errorf("revocation not served")
	}

	if _, err := c.Fetch(context.Background(), missingFingerprint); !hkp.IsKind(err, hkp.NotFound) {
		t.Errorf("unexpected error for missing key: %v", err)
	}
}

func TestStart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := Start(ctx, Config{}); err == nil {
		t.Errorf("unexpected success without database")
	}

	cfg := Config{
		Addr: "127.0.0.1:0",
		DB:   newDirectory(t),
	}
	if err := Start(ctx, cfg); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}
