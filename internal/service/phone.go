package service

import (
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	phoneCacheSize = 4096
	phoneCacheTTL  = time.Hour
)

var (
	greekMobile   = regexp.MustCompile(`^69\d{8}$`)
	greekLandline = regexp.MustCompile(`^2\d{9}$`)
	phoneNoise    = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "")
)

// PhoneValidator accepts Greek mobile and landline numbers, with or without
// the +30 / 0030 country prefix. Results are cached per raw input.
type PhoneValidator struct {
	cache *expirable.LRU[string, string]
}

func NewPhoneValidator() *PhoneValidator {
	return &PhoneValidator{
		cache: expirable.NewLRU[string, string](phoneCacheSize, nil, phoneCacheTTL),
	}
}

// Normalize returns the number in +30XXXXXXXXXX form, or false when it is not
// a valid Greek number.
func (v *PhoneValidator) Normalize(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if cached, ok := v.cache.Get(raw); ok {
		return cached, cached != ""
	}
	normalized := normalizeGreekPhone(raw)
	v.cache.Add(raw, normalized)
	return normalized, normalized != ""
}

func normalizeGreekPhone(raw string) string {
	n := phoneNoise.Replace(raw)
	switch {
	case strings.HasPrefix(n, "+30"):
		n = n[3:]
	case strings.HasPrefix(n, "0030"):
		n = n[4:]
	case strings.HasPrefix(n, "30") && len(n) == 12:
		n = n[2:]
	}
	if greekMobile.MatchString(n) || greekLandline.MatchString(n) {
		return "+30" + n
	}
	return ""
}
