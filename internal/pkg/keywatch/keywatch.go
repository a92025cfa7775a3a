// Package keywatch periodically validates registered public keys
// and warns users whose key is expired, revoked or about to expire.
package keywatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ctrliq/keynotify/internal/pkg/mailer"
	"github.com/ctrliq/keynotify/internal/pkg/metrics"
	"github.com/ctrliq/keynotify/internal/pkg/profile"
	"github.com/ctrliq/keynotify/internal/pkg/taskqueue"
	"github.com/ctrliq/keynotify/pkg/database"
	"github.com/ctrliq/keynotify/pkg/keystate"
	"github.com/sirupsen/logrus"
)

const ValidateTask = "keys.validate"

const (
	DefaultInterval = 24 * time.Hour
	DefaultWarnDays = 7
)

type Config struct {
	Interval time.Duration `yaml:"interval"`
	WarnDays int           `yaml:"warn-days"`
}

var DefaultConfig = Config{
	Interval: DefaultInterval,
	WarnDays: DefaultWarnDays,
}

type Watcher struct {
	db      database.Engine
	queue   taskqueue.Queue
	sender  mailer.Sender
	mail    *mailer.Config
	fetcher profile.FetcherFunc
	cfg     Config
	now     func() time.Time
}

func New(db database.Engine, queue taskqueue.Queue, sender mailer.Sender, mail *mailer.Config, fetcher profile.FetcherFunc, cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.WarnDays < 0 {
		cfg.WarnDays = 0
	}
	if mail == nil {
		mail = new(mailer.Config)
	}
	return &Watcher{
		db:      db,
		queue:   queue,
		sender:  sender,
		mail:    mail,
		fetcher: fetcher,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Register adds the key validation task handler to r.
func (w *Watcher) Register(r *taskqueue.Registry) {
	r.Register(ValidateTask, func(ctx context.Context, args []byte) error {
		return w.Validate(ctx)
	})
}

// Run schedules a key validation immediately and then at every
// configured interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := w.queue.Enqueue(ctx, ValidateTask, nil); err != nil && ctx.Err() == nil {
			logrus.Errorf("While scheduling key validation: %s", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watcher) fetch(ctx context.Context, u *database.User) (*keystate.KeyRecord, error) {
	f, err := w.fetcher(u.KeyserverURL)
	if err != nil {
		return nil, err
	}
	kr, err := f.Fetch(ctx, u.Fingerprint)
	metrics.LookupsTotal.WithLabelValues(metrics.LookupLabel(err)).Inc()
	return kr, err
}

// refresh returns the current key of a user, from its keyserver
// when there is one, falling back to the stored key.
func (w *Watcher) refresh(ctx context.Context, u *database.User) (*keystate.KeyRecord, error) {
	if u.KeyserverURL != "" && w.fetcher != nil {
		kr, err := w.fetch(ctx, u)
		if err == nil {
			return kr, nil
		}
		logrus.WithFields(logrus.Fields{
			"user":        u.ID,
			"fingerprint": u.Fingerprint,
		}).Warnf("Keyserver lookup failed, using stored key: %s", err)
	}
	return keystate.Parse([]byte(u.PublicKey))
}

func changed(u *database.User, kr *keystate.KeyRecord) bool {
	if u.KeyRevoked != kr.Revoked || !bytes.Equal([]byte(u.PublicKey), kr.Raw) {
		return true
	}
	if u.KeyExpiresAt == nil || kr.ExpiresAt == nil {
		return u.KeyExpiresAt != kr.ExpiresAt
	}
	return !u.KeyExpiresAt.Equal(*kr.ExpiresAt)
}

func (w *Watcher) needsWarning(s keystate.Status) bool {
	switch s.State {
	case keystate.Expired, keystate.Revoked:
		return true
	case keystate.Valid:
		return s.Expires() && s.DaysRemaining <= w.cfg.WarnDays
	}
	return false
}

func (w *Watcher) warn(u *database.User, kr *keystate.KeyRecord, s keystate.Status) error {
	text := w.mail.WarningTemplate
	if text == "" {
		text = mailer.DefaultKeyWarningTemplate
	}

	args := &mailer.KeyWarningArgs{
		Name:          u.Name,
		Fingerprint:   u.Fingerprint,
		State:         s.State.String(),
		DaysRemaining: s.DaysRemaining,
		Expires:       s.Expires(),
		KeyserverURL:  u.KeyserverURL,
	}
	if kr.ExpiresAt != nil {
		args.ExpirationDate = kr.ExpiresAt.UTC().Format("2006-01-02")
	}

	body, err := mailer.Render(text, args)
	if err != nil {
		return fmt.Errorf("while rendering key warning: %w", err)
	}

	err = w.sender.Send(u.Email, mailer.DefaultKeyWarningSubject, mailer.WithFooter(w.mail, body))
	metrics.DeliveriesTotal.WithLabelValues(metrics.ErrorLabel(err)).Inc()
	return err
}

// Validate checks the key of every user with a registered key,
// stores expiration and revocation changes and warns users about
// unusable or expiring keys.
func (w *Watcher) Validate(ctx context.Context) error {
	users, err := w.db.Users("")
	if err != nil {
		return fmt.Errorf("while listing users: %w", err)
	}

	now := w.now()
	warned := 0

	for _, u := range users {
		if !u.HasSetupComplete() {
			continue
		}
		entry := logrus.WithFields(logrus.Fields{
			"user":        u.ID,
			"fingerprint": u.Fingerprint,
		})

		kr, err := w.refresh(ctx, u)
		status := keystate.Classify(kr, err, now)
		if status.State == keystate.Invalid {
			entry.Errorf("Stored public key is invalid: %s", err)
			continue
		}

		if changed(u, kr) {
			u.PublicKey = string(kr.Raw)
			u.KeyExpiresAt = kr.ExpiresAt
			u.KeyRevoked = kr.Revoked
			err := w.db.RefreshUserKey(u)
			if errors.Is(err, database.ErrKeyChanged) {
				entry.Info("Public key replaced during validation, skipping")
				continue
			} else if err != nil {
				entry.Errorf("While storing refreshed key: %s", err)
			}
		}

		if !w.needsWarning(status) {
			continue
		}
		if u.Email == "" {
			entry.Warn("Skipping key warning for user without email address")
			continue
		}
		if err := w.warn(u, kr, status); err != nil {
			entry.Errorf("While sending key warning: %s", err)
			continue
		}
		entry.WithField("state", status).Info("Key warning sent")
		warned++
	}

	logrus.WithField("warned", warned).Info("Public keys validated")

	return nil
}
