package hkpserver

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

func timestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmt.Sprint(t.Unix())
}

func (k *Key) flags(now time.Time) string {
	flags := ""
	if k.Revoked {
		flags += "r"
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		flags += "e"
	}
	return flags
}

func (k *Key) print(w io.Writer, now time.Time) error {
	key := k.Entity.PrimaryKey

	bitLength, err := key.BitLength()
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(
		w,
		"pub:%X:%d:%d:%d:%s:%s\n",
		key.Fingerprint[:], key.PubKeyAlgo, bitLength, key.CreationTime.Unix(), timestamp(k.ExpiresAt), k.flags(now),
	)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(k.Entity.Identities))
	for name := range k.Entity.Identities {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sig := k.Entity.Identities[name].SelfSignature
		if sig == nil {
			continue
		}

		flags := ""
		if sig.RevocationReason != nil {
			flags += "r"
		}

		_, err := fmt.Fprintf(
			w,
			"uid:%s:%d::%s\n",
			strings.ReplaceAll(name, ":", "%3A"), sig.CreationTime.Unix(), flags,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// WriteIndex writes on w a machine readable index of keys. The index
// format follows the one described in the HKP draft
// https://tools.ietf.org/html/draft-shaw-openpgp-hkp-00#section-5.2
func WriteIndex(w io.Writer, keys []*Key, now time.Time) error {
	_, err := fmt.Fprintf(w, "info:1:%d\n", len(keys))
	if err != nil {
		return err
	}

	for _, k := range keys {
		if err := k.print(w, now); err != nil {
			return err
		}
	}

	return nil
}
