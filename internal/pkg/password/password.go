package password

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func Hash(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Match reports whether plain matches hash. A malformed hash never matches.
func Match(hash, plain string) bool {
	if hash == "" || plain == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// IsHash reports whether s looks like a bcrypt hash that Match can use.
func IsHash(s string) bool {
	if !strings.HasPrefix(s, "$2") {
		return false
	}
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// Preview returns a short prefix of hash safe to show in admin diagnostics.
func Preview(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:20] + "..."
}
