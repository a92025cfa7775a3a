package defaultdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ctrliq/keynotify/pkg/database"
	"github.com/google/uuid"
	"github.com/tidwall/buntdb"
	"github.com/tidwall/gjson"
)

const Name = "default"

const (
	keySep             = ":"
	userPrefix         = "user" + keySep
	groupPrefix        = "group" + keySep
	notificationPrefix = "notification" + keySep
	keyChangePrefix    = "keychange" + keySep
	taskPrefix         = "task" + keySep

	userEmailIndex = userPrefix + "email"
)

type Config struct {
	Dir string `yaml:"dir"`
}

type bunt struct {
	db  *buntdb.DB
	cfg Config
}

func (b *bunt) NewConfig() database.Config {
	return &b.cfg
}

func (b *bunt) CheckConfig() error {
	if b.cfg.Dir == "" {
		return nil
	}
	fi, err := os.Stat(b.cfg.Dir)
	if err != nil {
		return fmt.Errorf("database directory: %w", err)
	} else if !fi.IsDir() {
		return fmt.Errorf("database directory %s is not a directory", b.cfg.Dir)
	}
	return nil
}

func (b *bunt) Connect() error {
	var err error

	createIndexes := map[string]bool{
		userEmailIndex: true,
	}

	if b.cfg.Dir == "" {
		b.db, err = buntdb.Open(":memory:")
	} else {
		b.db, err = buntdb.Open(filepath.Join(b.cfg.Dir, "db"))
	}
	if err != nil {
		return err
	}

	indexes, err := b.db.Indexes()
	if err != nil {
		return err
	}

	for _, index := range indexes {
		if _, ok := createIndexes[index]; ok {
			createIndexes[index] = false
		}
	}

	for index, create := range createIndexes {
		if !create {
			continue
		}
		splitted := strings.Split(index, keySep)
		prefix := splitted[0]
		field := splitted[1]
		if err := b.db.CreateIndex(index, prefix+keySep+"*", buntdb.IndexJSON(field)); err != nil {
			return fmt.Errorf("could not create index %s: %s", index, err)
		}
	}

	return nil
}

func (b *bunt) Disconnect() error {
	return b.db.Close()
}

func get(tx *buntdb.Tx, key string, v interface{}) error {
	val, err := tx.Get(key)
	if err == buntdb.ErrNotFound {
		return database.ErrNotFound
	} else if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), v)
}

func set(tx *buntdb.Tx, key string, v interface{}) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, string(val), nil)
	return err
}

func newID() string {
	return uuid.New().String()
}

func (b *bunt) AddUser(u *database.User) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		pivot, err := json.Marshal(map[string]string{"email": u.Email})
		if err != nil {
			return err
		}
		duplicate := false
		err = tx.AscendEqual(userEmailIndex, string(pivot), func(key, val string) bool {
			duplicate = key != userPrefix+u.ID
			return !duplicate
		})
		if err != nil {
			return err
		} else if duplicate {
			return database.ErrDuplicateEmail
		}

		if u.ID == "" {
			u.ID = newID()
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now().UTC()
		}
		for _, g := range u.Groups {
			if _, err := tx.Get(groupPrefix + g); err == buntdb.ErrNotFound {
				return fmt.Errorf("group %s: %w", g, database.ErrNotFound)
			} else if err != nil {
				return err
			}
		}
		return set(tx, userPrefix+u.ID, u)
	})
}

func (b *bunt) GetUser(id string) (*database.User, error) {
	u := new(database.User)
	err := b.db.View(func(tx *buntdb.Tx) error {
		return get(tx, userPrefix+id, u)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (b *bunt) Users(group string) ([]*database.User, error) {
	var users []*database.User

	err := b.db.View(func(tx *buntdb.Tx) error {
		if group != "" {
			if _, err := tx.Get(groupPrefix + group); err == buntdb.ErrNotFound {
				return fmt.Errorf("group %s: %w", group, database.ErrNotFound)
			} else if err != nil {
				return err
			}
		}

		var err error
		iterErr := tx.AscendKeys(userPrefix+"*", func(key, val string) bool {
			if group != "" {
				member := false
				for _, g := range gjson.Get(val, "groups").Array() {
					if g.String() == group {
						member = true
						break
					}
				}
				if !member {
					return true
				}
			}
			u := new(database.User)
			if err = json.Unmarshal([]byte(val), u); err != nil {
				return false
			}
			users = append(users, u)
			return true
		})
		if iterErr != nil {
			return iterErr
		}
		return err
	})

	return users, err
}

func (b *bunt) UpdateUserKey(u *database.User, kc *database.KeyChangeRecord) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		stored := new(database.User)
		if err := get(tx, userPrefix+u.ID, stored); err != nil {
			return err
		}
		stored.Fingerprint = u.Fingerprint
		stored.PublicKey = u.PublicKey
		stored.KeyserverURL = u.KeyserverURL
		stored.KeyExpiresAt = u.KeyExpiresAt
		stored.KeyRevoked = u.KeyRevoked
		if err := set(tx, userPrefix+u.ID, stored); err != nil {
			return err
		}

		if kc == nil {
			return nil
		}
		if kc.ID == "" {
			kc.ID = newID()
		}
		if kc.CreatedAt.IsZero() {
			kc.CreatedAt = time.Now().UTC()
		}
		kc.UserID = u.ID
		return set(tx, keyChangePrefix+u.ID+keySep+kc.ID, kc)
	})
}

func (b *bunt) RefreshUserKey(u *database.User) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get(userPrefix + u.ID)
		if err == buntdb.ErrNotFound {
			return database.ErrNotFound
		} else if err != nil {
			return err
		}
		if gjson.Get(val, "fingerprint").String() != u.Fingerprint {
			return database.ErrKeyChanged
		}

		stored := new(database.User)
		if err := json.Unmarshal([]byte(val), stored); err != nil {
			return err
		}
		stored.PublicKey = u.PublicKey
		stored.KeyExpiresAt = u.KeyExpiresAt
		stored.KeyRevoked = u.KeyRevoked
		return set(tx, userPrefix+u.ID, stored)
	})
}

func (b *bunt) KeyChanges(userID string) ([]*database.KeyChangeRecord, error) {
	var records []*database.KeyChangeRecord

	err := b.db.View(func(tx *buntdb.Tx) error {
		var err error
		iterErr := tx.AscendKeys(keyChangePrefix+userID+keySep+"*", func(key, val string) bool {
			kc := new(database.KeyChangeRecord)
			if err = json.Unmarshal([]byte(val), kc); err != nil {
				return false
			}
			records = append(records, kc)
			return true
		})
		if iterErr != nil {
			return iterErr
		}
		return err
	})

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, err
}

func (b *bunt) AddGroup(g *database.Group) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		if g.ID == "" {
			g.ID = newID()
		}
		return set(tx, groupPrefix+g.ID, g)
	})
}

func (b *bunt) GetGroup(id string) (*database.Group, error) {
	g := new(database.Group)
	err := b.db.View(func(tx *buntdb.Tx) error {
		return get(tx, groupPrefix+id, g)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (b *bunt) AddNotification(n *database.Notification) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		if n.ID == "" {
			n.ID = newID()
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now().UTC()
		}
		if n.GroupID != "" {
			if _, err := tx.Get(groupPrefix + n.GroupID); err == buntdb.ErrNotFound {
				return fmt.Errorf("group %s: %w", n.GroupID, database.ErrNotFound)
			} else if err != nil {
				return err
			}
		}
		return set(tx, notificationPrefix+n.ID, n)
	})
}

func (b *bunt) GetNotification(id string) (*database.Notification, error) {
	n := new(database.Notification)
	err := b.db.View(func(tx *buntdb.Tx) error {
		return get(tx, notificationPrefix+id, n)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (b *bunt) Notifications() ([]*database.Notification, error) {
	var notifications []*database.Notification

	err := b.db.View(func(tx *buntdb.Tx) error {
		var err error
		iterErr := tx.AscendKeys(notificationPrefix+"*", func(key, val string) bool {
			n := new(database.Notification)
			if err = json.Unmarshal([]byte(val), n); err != nil {
				return false
			}
			notifications = append(notifications, n)
			return true
		})
		if iterErr != nil {
			return iterErr
		}
		return err
	})

	sort.SliceStable(notifications, func(i, j int) bool {
		return notifications[i].CreatedAt.Before(notifications[j].CreatedAt)
	})

	return notifications, err
}

// pendingNotification returns the raw notification if it exists
// and wasn't sent yet.
func pendingNotification(tx *buntdb.Tx, id string) (string, error) {
	val, err := tx.Get(notificationPrefix + id)
	if err == buntdb.ErrNotFound {
		return "", database.ErrNotFound
	} else if err != nil {
		return "", err
	}
	if gjson.Get(val, "sent_at").Exists() {
		return "", database.ErrNotificationSent
	}
	return val, nil
}

func (b *bunt) DeleteNotification(id string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		if _, err := pendingNotification(tx, id); err != nil {
			return err
		}
		_, err := tx.Delete(notificationPrefix + id)
		return err
	})
}

func (b *bunt) MarkNotificationSent(id string, at time.Time) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		val, err := pendingNotification(tx, id)
		if err != nil {
			return err
		}
		n := new(database.Notification)
		if err := json.Unmarshal([]byte(val), n); err != nil {
			return err
		}
		at = at.UTC()
		n.SentAt = &at
		return set(tx, notificationPrefix+id, n)
	})
}

func (b *bunt) PutTask(t *database.Task) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		if t.ID == "" {
			t.ID = newID()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
		return set(tx, taskPrefix+t.ID, t)
	})
}

func (b *bunt) DeleteTask(id string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(taskPrefix + id)
		if errors.Is(err, buntdb.ErrNotFound) {
			return database.ErrNotFound
		}
		return err
	})
}

func (b *bunt) Tasks() ([]*database.Task, error) {
	var tasks []*database.Task

	err := b.db.View(func(tx *buntdb.Tx) error {
		var err error
		iterErr := tx.AscendKeys(taskPrefix+"*", func(key, val string) bool {
			t := new(database.Task)
			if err = json.Unmarshal([]byte(val), t); err != nil {
				return false
			}
			tasks = append(tasks, t)
			return true
		})
		if iterErr != nil {
			return iterErr
		}
		return err
	})

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	return tasks, err
}

// New returns an unconnected engine, mainly used by tests
// requiring an isolated database.
func New(cfg Config) database.Engine {
	return &bunt{cfg: cfg}
}

func init() {
	database.RegisterDatabaseEngine(Name, new(bunt))
}
