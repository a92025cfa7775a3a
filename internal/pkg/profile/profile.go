// Copyright (c) 2020-2021, Ctrl IQ, Inc. All rights reserved
// SPDX-License-Identifier: BSD-3-Clause

// Package profile updates the public key registered by a user.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ctrliq/keynotify/internal/pkg/metrics"
	"github.com/ctrliq/keynotify/pkg/database"
	"github.com/ctrliq/keynotify/pkg/hkp"
	"github.com/ctrliq/keynotify/pkg/keystate"
	"github.com/sirupsen/logrus"
)

var (
	ErrFingerprintRequired = errors.New("fingerprint is required along with a public key or a keyserver")
	ErrConflictingSources  = errors.New("public key and keyserver URL are mutually exclusive")
	ErrFingerprintMismatch = errors.New("fingerprint doesn't match the public key")
	ErrPublicKeyRequired   = errors.New("no public key registered, a public key or a keyserver is required")
)

// KeyStateError is returned when the submitted key isn't usable.
type KeyStateError struct {
	Status keystate.Status
}

func (e *KeyStateError) Error() string {
	return fmt.Sprintf("public key is %s", e.Status.State)
}

// KeyUpdate holds the key fields submitted by a user.
type KeyUpdate struct {
	Fingerprint  string
	PublicKey    string
	KeyserverURL string
}

func (k *KeyUpdate) empty() bool {
	return k.Fingerprint == "" && k.PublicKey == "" && k.KeyserverURL == ""
}

// Origin identifies where an update comes from, both fields
// are optional.
type Origin struct {
	IP    string
	Agent string
}

// Fetcher retrieves a key from a keyserver.
type Fetcher interface {
	Fetch(ctx context.Context, fingerprint string) (*keystate.KeyRecord, error)
}

// FetcherFunc returns the fetcher for a keyserver URL.
type FetcherFunc func(url string) (Fetcher, error)

// HKPFetcher returns a FetcherFunc backed by HKP clients.
func HKPFetcher(clients *hkp.Clients) FetcherFunc {
	return func(url string) (Fetcher, error) {
		c, err := clients.Get(url)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

type Updater struct {
	db      database.Engine
	fetcher FetcherFunc
	now     func() time.Time
}

func NewUpdater(db database.Engine, fetcher FetcherFunc) *Updater {
	return &Updater{
		db:      db,
		fetcher: fetcher,
		now:     time.Now,
	}
}

// checkFunc validates and normalizes a key update before
// any key material is looked at.
type checkFunc func(*KeyUpdate) error

func checkFingerprintRequired(k *KeyUpdate) error {
	if k.Fingerprint == "" && (k.PublicKey != "" || k.KeyserverURL != "") {
		return ErrFingerprintRequired
	}
	return nil
}

func checkSingleSource(k *KeyUpdate) error {
	if k.PublicKey != "" && k.KeyserverURL != "" {
		return ErrConflictingSources
	}
	return nil
}

func checkFingerprint(k *KeyUpdate) error {
	fp, err := keystate.ParseFingerprint(k.Fingerprint)
	if err != nil {
		return err
	}
	k.Fingerprint = fp
	return nil
}

func checkKeyserverURL(k *KeyUpdate) error {
	if k.KeyserverURL == "" {
		return nil
	}
	if _, err := hkp.ParseURL(k.KeyserverURL); err != nil {
		return fmt.Errorf("invalid keyserver URL: %w", err)
	}
	return nil
}

var checks = []checkFunc{
	checkFingerprintRequired,
	checkSingleSource,
	checkFingerprint,
	checkKeyserverURL,
}

// fetch returns the key designated by the update, either the
// submitted key, the keyserver key or the key already stored.
func (up *Updater) fetch(ctx context.Context, u *database.User, k *KeyUpdate) (*keystate.KeyRecord, error) {
	switch {
	case k.PublicKey != "":
		return keystate.Parse([]byte(k.PublicKey))
	case k.KeyserverURL != "":
		if up.fetcher == nil {
			return nil, fmt.Errorf("keyserver lookups are not available")
		}
		f, err := up.fetcher(k.KeyserverURL)
		if err != nil {
			return nil, err
		}
		kr, err := f.Fetch(ctx, k.Fingerprint)
		metrics.LookupsTotal.WithLabelValues(metrics.LookupLabel(err)).Inc()
		return kr, err
	case u.PublicKey != "":
		return keystate.Parse([]byte(u.PublicKey))
	}
	return nil, ErrPublicKeyRequired
}

// UpdateKey validates and stores the key update of a user. A key
// change record is stored along with the key when the fingerprint
// changes. The updated user is returned.
func (up *Updater) UpdateKey(ctx context.Context, userID string, k KeyUpdate, origin Origin) (*database.User, error) {
	u, err := up.db.GetUser(userID)
	if err != nil {
		return nil, fmt.Errorf("while loading user %s: %w", userID, err)
	}

	k.Fingerprint = strings.TrimSpace(k.Fingerprint)
	k.KeyserverURL = strings.TrimSpace(k.KeyserverURL)
	if strings.TrimSpace(k.PublicKey) == "" {
		k.PublicKey = ""
	}
	if k.empty() {
		return u, nil
	}

	for _, check := range checks {
		if err := check(&k); err != nil {
			return nil, err
		}
	}

	kr, err := up.fetch(ctx, u, &k)
	if err != nil {
		return nil, err
	}
	if kr.Fingerprint != k.Fingerprint {
		return nil, ErrFingerprintMismatch
	}

	status := keystate.Classify(kr, nil, up.now())
	if status.State != keystate.Valid {
		return nil, &KeyStateError{Status: status}
	}

	var kc *database.KeyChangeRecord
	if u.Fingerprint != kr.Fingerprint {
		kc = &database.KeyChangeRecord{
			OldFingerprint: u.Fingerprint,
			NewFingerprint: kr.Fingerprint,
			IPAddress:      origin.IP,
			Agent:          origin.Agent,
		}
	}

	u.Fingerprint = kr.Fingerprint
	u.PublicKey = string(kr.Raw)
	u.KeyExpiresAt = kr.ExpiresAt
	u.KeyRevoked = kr.Revoked
	switch {
	case k.KeyserverURL != "":
		u.KeyserverURL = k.KeyserverURL
	case k.PublicKey != "":
		u.KeyserverURL = ""
	}

	if err := up.db.UpdateUserKey(u, kc); err != nil {
		return nil, fmt.Errorf("while storing public key: %w", err)
	}

	entry := logrus.WithFields(logrus.Fields{
		"user":        u.ID,
		"fingerprint": u.Fingerprint,
	})
	if kc != nil {
		entry.WithField("previous", kc.OldFingerprint).Info("Public key changed")
	} else {
		entry.Debug("Public key refreshed")
	}

	return u, nil
}
