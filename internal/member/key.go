// Package member normalizes the different spellings of a guild member's
// identity into one canonical key.
package member

import (
	"strings"
	"unicode"
)

// SentinelRealm is used when neither the raw name nor the configuration
// supplies a realm.
const SentinelRealm = "unknown"

// Key is the canonical identity of a member in the form name#realm.
type Key string

// Name returns the name half of the key.
func (k Key) Name() string {
	name, _, _ := strings.Cut(string(k), "#")
	return name
}

// Realm returns the realm half of the key.
func (k Key) Realm() string {
	_, realm, _ := strings.Cut(string(k), "#")
	return realm
}

func (k Key) String() string {
	return string(k)
}

// Normalizer applies a fixed default realm to names that lack one.
type Normalizer struct {
	defaultRealm string
}

// NewNormalizer creates a Normalizer. An empty realm falls back to SentinelRealm.
func NewNormalizer(defaultRealm string) *Normalizer {
	return &Normalizer{defaultRealm: defaultRealm}
}

// Normalize maps raw to its canonical key.
func (n *Normalizer) Normalize(raw string) Key {
	return Normalize(raw, n.defaultRealm)
}

// DefaultRealm returns the folded realm applied to bare names.
func (n *Normalizer) DefaultRealm() string {
	return foldRealm(n.defaultRealm)
}

// Normalize maps raw ("Name" or "Name-Realm") to a Key. It never fails:
// a missing realm becomes defaultRealm, and a missing defaultRealm becomes
// SentinelRealm.
func Normalize(raw, defaultRealm string) Key {
	raw = strings.TrimSpace(raw)
	name, realm, _ := strings.Cut(raw, "-")

	name = strings.ToLower(strings.TrimSpace(name))
	realm = foldRealm(realm)
	if realm == "" {
		realm = foldRealm(defaultRealm)
	}
	if realm == "" {
		realm = SentinelRealm
	}
	return Key(name + "#" + realm)
}

// foldRealm drops spaces, apostrophes and hyphens ("Aerie Peak", "Kel'Thuzad",
// "Azjol-Nerub") and lower-cases the rest, matching how the game writes realm
// suffixes.
func foldRealm(realm string) string {
	var sb strings.Builder
	for _, r := range strings.TrimSpace(realm) {
		if unicode.IsSpace(r) || r == '\'' || r == '-' {
			continue
		}
		sb.WriteRune(unicode.ToLower(r))
	}
	return sb.String()
}
