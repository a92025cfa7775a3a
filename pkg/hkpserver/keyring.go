package hkpserver

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

// Key is a stored public key along with the expiration and
// revocation recorded at the last validation.
type Key struct {
	Entity    *openpgp.Entity
	ExpiresAt *time.Time
	Revoked   bool
	// Armored is the key as submitted by the user.
	Armored []byte
}

// WriteArmoredKeyRing writes the armored ASCII format of keys to w.
// Stored packets are copied as is so that revocation signatures
// are always served.
func WriteArmoredKeyRing(w io.Writer, keys []*Key) error {
	aw, err := armor.Encode(w, openpgp.PublicKeyType, nil)
	if err != nil {
		return err
	}
	defer aw.Close()

	for _, k := range keys {
		block, err := armor.Decode(bytes.NewReader(k.Armored))
		if err != nil {
			return fmt.Errorf("while decoding stored key: %s", err)
		}
		if _, err := io.Copy(aw, block.Body); err != nil {
			return err
		}
	}

	return nil
}
