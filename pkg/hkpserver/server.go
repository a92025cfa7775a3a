// Package hkpserver serves the public keys of registered users
// through the lookup operations of the HKP protocol.
package hkpserver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/ctrliq/keynotify/pkg/database"
	"github.com/ctrliq/keynotify/pkg/hkp"
	"github.com/ctrliq/keynotify/pkg/keystate"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/openpgp"
)

const (
	DefaultAddr = ":11371"
)

const (
	AddRoute    = "/pks/add"
	LookupRoute = hkp.LookupRoute
)

const minKeyIDLength = 8

var (
	ErrBadSearch   = errors.New("bad search parameter")
	ErrShortSearch = errors.New("fingerprint search must have at least 8 characters")
)

type Config struct {
	Addr       string `yaml:"address"`
	PublicPem  string `yaml:"tls-cert"`
	PrivatePem string `yaml:"tls-key"`

	DB            database.Engine                 `yaml:"-"`
	CustomHandler func(http.Handler) http.Handler `yaml:"-"`
}

// search is either a key ID suffix or an email address.
type search struct {
	keyID string
	email string
}

func parseSearch(s string) (search, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return search{}, ErrBadSearch
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		id := strings.ToUpper(s[2:])
		if len(id) < minKeyIDLength {
			return search{}, ErrShortSearch
		}
		if _, err := hex.DecodeString(id); err != nil {
			return search{}, ErrBadSearch
		}
		switch len(id) {
		case 8, 16, keystate.FingerprintLength:
			return search{keyID: id}, nil
		}
		return search{}, ErrBadSearch
	}

	addr, err := mail.ParseAddress(s)
	if err != nil {
		return search{}, ErrBadSearch
	}

	return search{email: addr.Address}, nil
}

func (s search) match(u *database.User) bool {
	if !u.HasSetupComplete() {
		return false
	}
	if s.keyID != "" {
		return strings.HasSuffix(strings.ToUpper(u.Fingerprint), s.keyID)
	}
	return strings.EqualFold(u.Email, s.email)
}

type handler struct {
	db  database.Engine
	now func() time.Time
}

// find returns the keys of registered users matching s, a key
// shared by several users is returned once.
func (h *handler) find(s search) ([]*Key, error) {
	users, err := h.db.Users("")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	keys := make([]*Key, 0)

	for _, u := range users {
		if !s.match(u) || seen[strings.ToUpper(u.Fingerprint)] {
			continue
		}
		el, err := openpgp.ReadArmoredKeyRing(strings.NewReader(u.PublicKey))
		if err != nil || len(el) == 0 {
			logrus.WithField("user", u.ID).Warnf("Skipping unreadable stored key: %v", err)
			continue
		}
		seen[strings.ToUpper(u.Fingerprint)] = true
		keys = append(keys, &Key{
			Entity:    el[0],
			ExpiresAt: u.KeyExpiresAt,
			Revoked:   u.KeyRevoked,
			Armored:   []byte(u.PublicKey),
		})
	}

	return keys, nil
}

func (h *handler) add(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Keys are registered through user profiles", http.StatusForbidden)
}

func (h *handler) lookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()

	for _, opt := range strings.Split(query.Get("options"), ",") {
		switch strings.TrimSpace(opt) {
		case "nm":
			http.Error(w, "Not Implemented", http.StatusNotImplemented)
			return
		}
	}

	op := query.Get("op")
	switch op {
	case "get", "index", "vindex":
	default:
		http.Error(w, "Not Implemented", http.StatusNotImplemented)
		return
	}

	s, err := parseSearch(query.Get("search"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	keys, err := h.find(s)
	if err != nil {
		logrus.Errorf("While looking up keys: %s", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	} else if len(keys) == 0 {
		http.NotFound(w, r)
		return
	}

	if op == "get" {
		w.Header().Set("Content-Type", "application/pgp-keys")
		err = WriteArmoredKeyRing(w, keys)
	} else {
		w.Header().Set("Content-Type", "text/plain")
		err = WriteIndex(w, keys, h.now())
	}
	if err != nil {
		logrus.Errorf("While writing keys: %s", err)
	}
}

// Handler returns the HKP handler serving the keys stored in db.
func Handler(db database.Engine) http.Handler {
	h := &handler{db: db, now: time.Now}

	mux := http.NewServeMux()
	mux.HandleFunc(AddRoute, h.add)
	mux.HandleFunc(LookupRoute, h.lookup)

	return mux
}

// Start serves the key directory until ctx is done, the database
// must be connected by the caller.
func Start(ctx context.Context, cfg Config) error {
	shutdownCh := make(chan error, 1)

	if cfg.DB == nil {
		return fmt.Errorf("no database specified")
	}

	h := Handler(cfg.DB)
	if cfg.CustomHandler != nil {
		h = cfg.CustomHandler(h)
	}

	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: h,
	}

	go func() {
		<-ctx.Done()
		shutdownCh <- srv.Shutdown(context.Background())
	}()

	logrus.WithField("address", addr).Info("Serving key directory")

	var err error

	if cfg.PublicPem != "" && cfg.PrivatePem != "" {
		err = srv.ListenAndServeTLS(cfg.PublicPem, cfg.PrivatePem)
	} else {
		err = srv.ListenAndServe()
	}

	if err != http.ErrServerClosed {
		return err
	}

	return <-shutdownCh
}
