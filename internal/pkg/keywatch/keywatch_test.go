package keywatch

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ctrliq/keynotify/internal/pkg/defaultdb"
	"github.com/ctrliq/keynotify/internal/pkg/mailer"
	"github.com/ctrliq/keynotify/internal/pkg/profile"
	"github.com/ctrliq/keynotify/internal/pkg/taskqueue"
	"github.com/ctrliq/keynotify/pkg/database"
	"github.com/ctrliq/keynotify/pkg/hkp"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
)

const (
	validFingerprint   = "23A6CF6E59F24607DA5E8443F0141E77BF5E1BFD"
	revokedFingerprint = "CBB86377BC7F687FED4AF65BF70D859D1FF57AB4"
	expiredFingerprint = "FA64E05E256279B62796F10387589572273D466D"
)

func readTestKey(t *testing.T, name string) string {
	b, err := ioutil.ReadFile(filepath.Join("..", "..", "..", "pkg", "keystate", "testdata", name))
	if err != nil {
		t.Fatalf("while reading test key %s: %s", name, err)
	}
	return string(b)
}

// expiringKey returns an armored key expiring after lifetime
// and its fingerprint.
func expiringKey(t *testing.T, lifetime time.Duration) (string, string) {
	cfg := &packet.Config{RSABits: 1024}

	e, err := openpgp.NewEntity("Expiring", "", "expiring@example.com", cfg)
	if err != nil {
		t.Fatalf("unexpected error while generating pgp key: %s", err)
	}
	secs := uint32(lifetime / time.Second)
	for _, id := range e.Identities {
		id.SelfSignature.KeyLifetimeSecs = &secs
		if err := id.SelfSignature.SignUserId(id.UserId.Id, e.PrimaryKey, e.PrivateKey, cfg); err != nil {
			t.Fatalf("while signing identity: %s", err)
		}
	}

	b := new(bytes.Buffer)
	aw, err := armor.Encode(b, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("during armor encoding: %s", err)
	}
	if err := e.Serialize(aw); err != nil {
		t.Fatalf("while serializing key: %s", err)
	}
	aw.Close()

	return b.String(), fmt.Sprintf("%X", e.PrimaryKey.Fingerprint)
}

func TestValidate(t *testing.T) {
	db := defaultdb.New(defaultdb.Config{})
	if err := db.Connect(); err != nil {
		t.Fatalf("unexpected error while connecting to database: %s", err)
	}
	defer db.Disconnect()

	valid := readTestKey(t, "valid.asc")
	expiring, expiringFingerprint := expiringKey(t, 3*24*time.Hour+time.Hour)
	later, laterFingerprint := expiringKey(t, 30*24*time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimPrefix(r.URL.Query().Get("search"), "0x") == validFingerprint {
			w.Write([]byte(valid))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	users := map[string]*database.User{
		"valid": {Email: "valid@example.com", Fingerprint: validFingerprint, PublicKey: valid},
		"keyserver": {
			Email:        "keyserver@example.com",
			Fingerprint:  validFingerprint,
			PublicKey:    valid,
			KeyserverURL: srv.URL,
		},
		"expiring": {Email: "expiring@example.com", Fingerprint: expiringFingerprint, PublicKey: expiring},
		"later":    {Email: "later@example.com", Fingerprint: laterFingerprint, PublicKey: later},
		"expired": {
			Email:        "expired@example.com",
			Fingerprint:  expiredFingerprint,
			PublicKey:    readTestKey(t, "expired.asc"),
			KeyserverURL: srv.URL,
		},
		"revoked": {Email: "revoked@example.com", Fingerprint: revokedFingerprint, PublicKey: readTestKey(t, "revoked.asc")},
		"broken":  {Email: "broken@example.com", Fingerprint: validFingerprint, PublicKey: "garbage"},
		"nokey":   {Email: "nokey@example.com"},
	}
	for name, u := range users {
		u.Name = name
		if err := db.AddUser(u); err != nil {
			t.Fatalf("unexpected error while adding user %s: %s", name, err)
		}
	}

	outbox := new(mailer.Outbox)
	r := taskqueue.NewRegistry()
	queue := &taskqueue.Eager{Registry: r, Propagate: true}

	w := New(db, queue, outbox, &mailer.Config{Footer: "keynotify"}, profile.HKPFetcher(hkp.NewClients(hkp.Config{})), DefaultConfig)
	w.Register(r)

	if err := queue.Enqueue(context.Background(), ValidateTask, nil); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	warned := make(map[string]string)
	for _, m := range outbox.Messages() {
		warned[m.To] = m.Body
	}
	if len(warned) != 3 {
		t.Errorf("unexpected number of warnings: got %d instead of 3", len(warned))
	}
	for _, name := range []string{"expiring", "expired", "revoked"} {
		if _, ok := warned[users[name].Email]; !ok {
			t.Errorf("user %s not warned", name)
		}
	}
	if body := warned[users["expiring"].Email]; !strings.Contains(body, "expires in 3 day(s)") {
		t.Errorf("unexpected warning for expiring key: %s", body)
	}
	if body := warned[users["revoked"].Email]; !strings.Contains(body, "is revoked") || !strings.Contains(body, "keynotify") {
		t.Errorf("unexpected warning for revoked key: %s", body)
	}

	stored, err := db.GetUser(users["revoked"].ID)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	} else if !stored.KeyRevoked {
		t.Errorf("key revocation not stored")
	}
	stored, err = db.GetUser(users["expiring"].ID)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	} else if stored.KeyExpiresAt == nil {
		t.Errorf("key expiration not stored")
	}
	if kcs, _ := db.KeyChanges(users["expiring"].ID); len(kcs) != 0 {
		t.Errorf("unexpected key change records: %d", len(kcs))
	}
}

// replacingDB replaces a user key right after users are listed, as
// a profile update committed during a validation would.
type replacingDB struct {
	database.Engine
	replace func()
}

func (db *replacingDB) Users(group string) ([]*database.User, error) {
	users, err := db.Engine.Users(group)
	db.replace()
	return users, err
}

func TestValidateKeyReplaced(t *testing.T) {
	db := defaultdb.New(defaultdb.Config{})
	if err := db.Connect(); err != nil {
		t.Fatalf("unexpected error while connecting to database: %s", err)
	}
	defer db.Disconnect()

	valid := readTestKey(t, "valid.asc")

	u := &database.User{
		Email:       "revoked@example.com",
		Fingerprint: revokedFingerprint,
		PublicKey:   readTestKey(t, "revoked.asc"),
	}
	if err := db.AddUser(u); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	rdb := &replacingDB{
		Engine: db,
		replace: func() {
			nu := *u
			nu.Fingerprint = validFingerprint
			nu.PublicKey = valid
			if err := db.UpdateUserKey(&nu, nil); err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
		},
	}

	outbox := new(mailer.Outbox)
	w := New(rdb, nil, outbox, nil, nil, DefaultConfig)
	if err := w.Validate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	stored, err := db.GetUser(u.ID)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if stored.Fingerprint != validFingerprint || stored.PublicKey != valid || stored.KeyRevoked {
		t.Errorf("replaced key overwritten by validation: %s", stored.Fingerprint)
	}
	if outbox.Len() != 0 {
		t.Errorf("unexpected warning for a replaced key")
	}
}

type countingQueue struct {
	mu    sync.Mutex
	count int
}

func (q *countingQueue) Enqueue(ctx context.Context, name string, args interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.count++
	return nil
}

func TestRun(t *testing.T) {
	q := new(countingQueue)
	w := New(nil, q, nil, nil, nil, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	if err := w.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count < 2 {
		t.Errorf("validation scheduled %d time(s), expected at least 2", q.count)
	}
}
