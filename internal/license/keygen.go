package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/scrypt"
)

// License key format: HRG-XXXX-XXXX-XXXX-XXXX, where the groups are the
// base32-encoded prefix of a keyed HMAC over the customer identity and the
// creation timestamp. The key is an opaque identity; nothing is ever parsed
// back out of it.
const (
	KeyPrefix = "HRG-"
	keyGroups = 4
	groupLen  = 4
)

// keygenSalt is fixed so the same signing secret always derives the same
// HMAC key across restarts.
var keygenSalt = []byte("hourgate-license-keygen-v1")

// KeyGenerator derives license keys from a keyed HMAC.
type KeyGenerator struct {
	secret []byte
}

// NewKeyGenerator derives the HMAC signing key from the configured secret
// using scrypt.
func NewKeyGenerator(secret string) (*KeyGenerator, error) {
	if secret == "" {
		return nil, fmt.Errorf("signing secret must not be empty")
	}
	derived, err := scrypt.Key([]byte(secret), keygenSalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	return &KeyGenerator{secret: derived}, nil
}

// Generate produces a new license key for the given customer identity.
func (g *KeyGenerator) Generate(customer Customer, now time.Time) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(customer.Email))
	mac.Write([]byte{0})
	mac.Write([]byte(customer.Company))
	mac.Write([]byte{0})
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now.UnixNano()))
	mac.Write(ts[:])
	sum := mac.Sum(nil)

	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum)
	groups := make([]string, 0, keyGroups)
	for i := 0; i < keyGroups; i++ {
		groups = append(groups, encoded[i*groupLen:(i+1)*groupLen])
	}
	return KeyPrefix + strings.Join(groups, "-")
}

// ValidKeyFormat reports whether a string is shaped like a license key.
// Used for cheap request rejection before hitting the store.
func ValidKeyFormat(key string) bool {
	if !strings.HasPrefix(key, KeyPrefix) {
		return false
	}
	groups := strings.Split(strings.TrimPrefix(key, KeyPrefix), "-")
	if len(groups) != keyGroups {
		return false
	}
	for _, g := range groups {
		if len(g) != groupLen {
			return false
		}
		for _, c := range g {
			if !((c >= 'A' && c <= 'Z') || (c >= '2' && c <= '7')) {
				return false
			}
		}
	}
	return true
}
