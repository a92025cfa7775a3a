// Copyright (c) 2020-2021, Ctrl IQ, Inc. All rights reserved
// SPDX-License-Identifier: BSD-3-Clause

package keystate

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
)

// FingerprintLength is the length of an hex encoded v4 fingerprint.
const FingerprintLength = 40

// sigTypeCertificationRevocation isn't exported by the openpgp package.
const sigTypeCertificationRevocation packet.SignatureType = 0x30

var ErrBadFingerprint = errors.New("fingerprint must be 40 hexadecimal characters")

// ParseError is returned when the submitted text doesn't
// contain a usable public key.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid key material: %s: %s", e.Reason, e.Err)
	}
	return "invalid key material: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// KeyRecord is the normalized view of a public key.
type KeyRecord struct {
	Fingerprint string
	KeyID       string
	CreatedAt   time.Time
	// ExpiresAt is nil for keys without expiration.
	ExpiresAt  *time.Time
	Revoked    bool
	Identities []string
	Raw        []byte
}

// ParseFingerprint returns the canonical form of a user supplied
// fingerprint: upper case hexadecimal without spaces or 0x prefix.
func ParseFingerprint(s string) (string, error) {
	fp := strings.Join(strings.Fields(s), "")
	fp = strings.TrimPrefix(strings.TrimPrefix(fp, "0x"), "0X")
	if len(fp) != FingerprintLength {
		return "", ErrBadFingerprint
	}
	if _, err := hex.DecodeString(fp); err != nil {
		return "", ErrBadFingerprint
	}
	return strings.ToUpper(fp), nil
}

// Parse reads the first public key found in the ASCII armored text.
func Parse(raw []byte) (*KeyRecord, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ParseError{Reason: "empty key"}
	}

	el, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(raw))
	if err != nil {
		return nil, &ParseError{Reason: "unreadable key", Err: err}
	} else if len(el) == 0 {
		return nil, &ParseError{Reason: "no key found"}
	}

	e := el[0]
	if e.PrivateKey != nil {
		return nil, &ParseError{Reason: "private key submitted"}
	}

	kr := &KeyRecord{
		Fingerprint: fmt.Sprintf("%X", e.PrimaryKey.Fingerprint[:]),
		KeyID:       e.PrimaryKey.KeyIdString(),
		CreatedAt:   e.PrimaryKey.CreationTime.UTC(),
		ExpiresAt:   expiration(e),
		Revoked:     revoked(e),
		Raw:         append([]byte(nil), raw...),
	}
	for name := range e.Identities {
		kr.Identities = append(kr.Identities, name)
	}
	sort.Strings(kr.Identities)

	return kr, nil
}

// primaryIdentity returns the identity flagged as primary or any
// other one when none is flagged.
func primaryIdentity(e *openpgp.Entity) *openpgp.Identity {
	var id *openpgp.Identity
	for _, i := range e.Identities {
		if i.SelfSignature == nil {
			continue
		}
		if i.SelfSignature.IsPrimaryId != nil && *i.SelfSignature.IsPrimaryId {
			return i
		}
		if id == nil || i.Name < id.Name {
			id = i
		}
	}
	return id
}

func lifetime(created time.Time, sig *packet.Signature) *time.Time {
	if sig == nil || sig.KeyLifetimeSecs == nil || *sig.KeyLifetimeSecs == 0 {
		return nil
	}
	t := created.Add(time.Duration(*sig.KeyLifetimeSecs) * time.Second).UTC()
	return &t
}

// expiration returns the nearest expiration among the primary key
// and its subkeys, nil when none of them expires.
func expiration(e *openpgp.Entity) *time.Time {
	var expires *time.Time

	earliest := func(t *time.Time) {
		if t != nil && (expires == nil || t.Before(*expires)) {
			expires = t
		}
	}

	if id := primaryIdentity(e); id != nil {
		earliest(lifetime(e.PrimaryKey.CreationTime, id.SelfSignature))
	}
	for _, sk := range e.Subkeys {
		if sk.Sig == nil || sk.Sig.SigType == packet.SigTypeSubkeyRevocation {
			continue
		}
		earliest(lifetime(sk.PublicKey.CreationTime, sk.Sig))
	}

	return expires
}

func revoked(e *openpgp.Entity) bool {
	// from openpgp package revocations are verified against
	// the primary key while reading the entity
	if len(e.Revocations) > 0 {
		return true
	}

	id := primaryIdentity(e)
	if id == nil {
		return false
	}
	if id.SelfSignature.RevocationReason != nil {
		return true
	}
	for _, sig := range id.Signatures {
		if sig.SigType != sigTypeCertificationRevocation {
			continue
		}
		if sig.IssuerKeyId != nil && *sig.IssuerKeyId == e.PrimaryKey.KeyId {
			return true
		}
	}

	return false
}
