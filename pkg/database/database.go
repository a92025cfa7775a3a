package database

import (
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrNotificationSent = errors.New("notification already sent")
	ErrDuplicateEmail   = errors.New("email address already registered")
	ErrKeyChanged       = errors.New("public key changed meanwhile")
)

type Config interface{}

var engines = make(map[string]Engine)

// RegisterDatabaseEngine makes a database engine available by name.
func RegisterDatabaseEngine(name string, db Engine) {
	engines[name] = db
}

// GetDatabaseEngine returns the database engine registered with name.
func GetDatabaseEngine(name string) (Engine, bool) {
	db, ok := engines[name]
	return db, ok
}

// User is a registered user and its public key.
type User struct {
	ID     string   `json:"id"`
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Groups []string `json:"groups,omitempty"`

	Fingerprint  string     `json:"fingerprint,omitempty"`
	PublicKey    string     `json:"public_key,omitempty"`
	KeyserverURL string     `json:"keyserver_url,omitempty"`
	KeyExpiresAt *time.Time `json:"key_expires_at,omitempty"`
	KeyRevoked   bool       `json:"key_revoked,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasSetupComplete reports whether the user registered a public key.
func (u *User) HasSetupComplete() bool {
	return u.PublicKey != "" && u.Fingerprint != ""
}

// InGroup reports whether the user is a member of group.
func (u *User) InGroup(group string) bool {
	for _, g := range u.Groups {
		if g == group {
			return true
		}
	}
	return false
}

type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Notification is a message sent by email to a group of users
// or to all users when GroupID is empty.
type Notification struct {
	ID        string     `json:"id"`
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
	GroupID   string     `json:"group_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// Sent reports whether the notification was dispatched.
func (n *Notification) Sent() bool {
	return n.SentAt != nil
}

// KeyChangeRecord keeps track of public key changes.
type KeyChangeRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	OldFingerprint string    `json:"old_fingerprint"`
	NewFingerprint string    `json:"new_fingerprint"`
	CreatedAt      time.Time `json:"created_at"`
	IPAddress      string    `json:"ip_address,omitempty"`
	Agent          string    `json:"agent,omitempty"`
}

// Task is a unit of work persisted by the task queue.
type Task struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Args      []byte    `json:"args"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

type Engine interface {
	NewConfig() Config
	CheckConfig() error

	Connect() error
	Disconnect() error

	AddUser(u *User) error
	GetUser(id string) (*User, error)
	// Users returns users belonging to group or all users
	// when group is empty, read within a single transaction.
	Users(group string) ([]*User, error)
	// UpdateUserKey stores the key fields of u and, if not nil,
	// the key change record within the same transaction.
	UpdateUserKey(u *User, kc *KeyChangeRecord) error
	// RefreshUserKey stores the public key, expiration and revocation
	// fields of u only if the stored fingerprint is still u.Fingerprint,
	// ErrKeyChanged is returned otherwise.
	RefreshUserKey(u *User) error
	KeyChanges(userID string) ([]*KeyChangeRecord, error)

	AddGroup(g *Group) error
	GetGroup(id string) (*Group, error)

	AddNotification(n *Notification) error
	GetNotification(id string) (*Notification, error)
	Notifications() ([]*Notification, error)
	// DeleteNotification removes a pending notification, it returns
	// ErrNotificationSent without deleting anything if the
	// notification was already sent.
	DeleteNotification(id string) error
	// MarkNotificationSent sets the sent time of a pending
	// notification, it returns ErrNotificationSent if another
	// caller already did.
	MarkNotificationSent(id string, at time.Time) error

	PutTask(t *Task) error
	DeleteTask(id string) error
	Tasks() ([]*Task, error)
}
