package otp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

var ten = big.NewInt(10)

// GenerateCode returns length uniformly random decimal digits.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid code length %d", length)
	}
	var sb strings.Builder
	sb.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte('0' + n.Int64()))
	}
	return sb.String(), nil
}

// digest binds the code to its key so a leaked record cannot be replayed
// against another key.
func digest(secret []byte, key, code string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

func codeMatches(secret []byte, key, stored, candidate string) bool {
	want := []byte(stored)
	got := []byte(digest(secret, key, candidate))
	return subtle.ConstantTimeCompare(want, got) == 1
}
