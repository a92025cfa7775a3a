package hkp

import (
	"context"
	"errors"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ctrliq/keynotify/pkg/keystate"
)

const (
	validFingerprint   = "23A6CF6E59F24607DA5E8443F0141E77BF5E1BFD"
	revokedFingerprint = "CBB86377BC7F687FED4AF65BF70D859D1FF57AB4"
	missingFingerprint = "0000000000000000000000000000000000000000"
	garbageFingerprint = "1111111111111111111111111111111111111111"
	emptyFingerprint   = "2222222222222222222222222222222222222222"
	brokenFingerprint  = "3333333333333333333333333333333333333333"
	slowFingerprint    = "4444444444444444444444444444444444444444"
)

func readTestKey(t *testing.T, name string) string {
	b, err := ioutil.ReadFile(filepath.Join("..", "keystate", "testdata", name))
	if err != nil {
		t.Fatalf("while reading test key %s: %s", name, err)
	}
	return string(b)
}

// newKeyserver returns a test keyserver answering lookups like
// an HKP server would.
func newKeyserver(t *testing.T) *httptest.Server {
	keys := map[string]string{
		validFingerprint: readTestKey(t, "valid.asc"),
		// served key doesn't match the requested fingerprint
		revokedFingerprint: readTestKey(t, "valid.asc"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(LookupRoute, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()
		if query.Get("op") != "get" {
			http.Error(w, "Not Implemented", http.StatusNotImplemented)
			return
		}
		search := strings.TrimPrefix(query.Get("search"), "0x")

		switch search {
		case garbageFingerprint:
			w.Write([]byte("<html>this is not a key</html>"))
			return
		case emptyFingerprint:
			return
		case brokenFingerprint:
			http.Error(w, "backend failure", http.StatusInternalServerError)
			return
		case slowFingerprint:
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}

		key, ok := keys[search]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/pgp-keys")
		w.Write([]byte(key))
	})

	return httptest.NewServer(mux)
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		fail  bool
	}{
		{"hkp", "hkp://keys.example.com", "http://keys.example.com:11371", false},
		{"hkp with port", "hkp://keys.example.com:8080", "http://keys.example.com:8080", false},
		{"hkps", "hkps://keys.example.com", "https://keys.example.com", false},
		{"https", "https://keys.example.com", "https://keys.example.com", false},
		{"ftp", "ftp://keys.example.com", "", true},
		{"no host", "https://", "", true},
	}

	for _, tt := range tests {
		u, err := ParseURL(tt.input)
		if tt.fail {
			if err == nil {
				t.Errorf("unexpected success for %q", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("unexpected error for %q: %s", tt.name, err)
		} else if u.String() != tt.want {
			t.Errorf("unexpected url for %q: got %s instead of %s", tt.name, u, tt.want)
		}
	}
}

func TestFetch(t *testing.T) {
	srv := newKeyserver(t)
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error while creating client: %s", err)
	}

	tests := []struct {
		name        string
		fingerprint string
		kind        Kind
	}{
		{"valid key", validFingerprint, 0},
		{"valid key lower case", strings.ToLower(validFingerprint), 0},
		{"unknown key", missingFingerprint, NotFound},
		{"empty response", emptyFingerprint, NotFound},
		{"garbage response", garbageFingerprint, Malformed},
		{"fingerprint mismatch", revokedFingerprint, Malformed},
		{"server error", brokenFingerprint, Transport},
		{"slow server", slowFingerprint, Timeout},
	}

	for _, tt := range tests {
		kr, err := c.Fetch(context.Background(), tt.fingerprint)
		if tt.kind == 0 {
			if err != nil {
				t.Errorf("unexpected error for %q: %s", tt.name, err)
			} else if kr.Fingerprint != validFingerprint {
				t.Errorf("unexpected fingerprint for %q: %s", tt.name, kr.Fingerprint)
			}
			continue
		}
		if kr != nil {
			t.Errorf("unexpected key returned for %q", tt.name)
		}
		if !IsKind(err, tt.kind) {
			t.Errorf("unexpected error for %q: got %v instead of %s", tt.name, err, tt.kind)
		}
		if s := keystate.Classify(kr, err, time.Now()); s.State != keystate.Invalid {
			t.Errorf("unexpected state for %q: got %s instead of invalid", tt.name, s.State)
		}
	}

	if _, err := c.Fetch(context.Background(), "0x1234"); !errors.Is(err, keystate.ErrBadFingerprint) {
		t.Errorf("unexpected error for bad fingerprint: %v", err)
	}
}

func TestFetchUnreachable(t *testing.T) {
	srv := newKeyserver(t)
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{URL: url})
	if err != nil {
		t.Fatalf("unexpected error while creating client: %s", err)
	}
	if _, err := c.Fetch(context.Background(), validFingerprint); !IsKind(err, Transport) {
		t.Errorf("unexpected error for unreachable keyserver: %v", err)
	}
}

func TestFetchRateLimit(t *testing.T) {
	srv := newKeyserver(t)
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL, Rate: 0.001, Burst: 1})
	if err != nil {
		t.Fatalf("unexpected error while creating client: %s", err)
	}
	if _, err := c.Fetch(context.Background(), validFingerprint); err != nil {
		t.Fatalf("unexpected error for first lookup: %s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Fetch(ctx, validFingerprint); !IsKind(err, Timeout) {
		t.Errorf("unexpected error for throttled lookup: %v", err)
	}
}

func TestClients(t *testing.T) {
	c := NewClients(Config{URL: "hkp://keys.example.com", Rate: 1})

	def, err := c.Get("")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if def.URL() != "http://keys.example.com:11371" {
		t.Errorf("unexpected default keyserver: %s", def.URL())
	}

	other, err := c.Get("hkps://other.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if other == def {
		t.Errorf("same client returned for different keyservers")
	}
	if again, _ := c.Get("hkps://other.example.com"); again != other {
		t.Errorf("client not reused for the same keyserver")
	}

	if _, err := c.Get("ftp://keys.example.com"); err == nil {
		t.Errorf("unexpected success for unsupported scheme")
	}
}
