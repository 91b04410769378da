package provider

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keySalt = "relaymesh/provider/v1"

// Keys are the provider-private keys derived from one secret. Only Vote is
// ever shared, and only with the auditor.
type Keys struct {
	Score    []byte
	Boundary []byte
	Vote     []byte
}

// DeriveKeys expands secret into the three 32-byte provider keys with
// HKDF-SHA256, each bound to the provider id and its purpose.
func DeriveKeys(providerID string, secret []byte) (Keys, error) {
	if len(secret) == 0 {
		return Keys{}, fmt.Errorf("provider %s: empty secret", providerID)
	}
	var k Keys
	for _, slot := range []struct {
		label string
		dst   *[]byte
	}{
		{"score", &k.Score},
		{"boundary", &k.Boundary},
		{"vote", &k.Vote},
	} {
		r := hkdf.New(sha256.New, secret, []byte(keySalt), []byte(slot.label+"|"+providerID))
		buf := make([]byte, 32)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Keys{}, fmt.Errorf("derive %s key: %w", slot.label, err)
		}
		*slot.dst = buf
	}
	return k, nil
}
