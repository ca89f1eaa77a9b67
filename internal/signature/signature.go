package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrNoSecretKey indicates that no usable shared secret is configured for a
// provider. Secrets containing non-ASCII bytes are treated as unusable.
var ErrNoSecretKey = errors.New("no secret key configured for provider")

// KeyRegistry resolves provider shared secrets. The configured value for a
// provider is either a single secret or an ordered list of secrets; the list
// form supports rotation. The first usable entry signs outgoing parameters,
// and any usable entry may validate an incoming signature.
type KeyRegistry struct {
	keys map[string][]string
}

// NewKeyRegistry parses the CREDIT_PROVIDER_SECRET_KEYS JSON object, e.g.
//
//	{"hogwarts": "931433d5...", "asu": ["new-key", "old-key"]}
func NewKeyRegistry(raw string) (*KeyRegistry, error) {
	reg := &KeyRegistry{keys: map[string][]string{}}
	if raw == "" {
		return reg, nil
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse provider secret keys: %w", err)
	}
	for provider, v := range parsed {
		switch vv := v.(type) {
		case string:
			reg.keys[provider] = []string{vv}
		case []interface{}:
			entries := make([]string, 0, len(vv))
			for _, e := range vv {
				s, ok := e.(string)
				if !ok {
					// Null entries stand for keys that could not be encoded;
					// keep the slot out of the usable set.
					continue
				}
				entries = append(entries, s)
			}
			reg.keys[provider] = entries
		default:
			return nil, fmt.Errorf("provider %q: secret must be a string or list of strings", provider)
		}
	}
	return reg, nil
}

func usable(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] > 0x7f {
			return false
		}
	}
	return true
}

// Keys returns every usable secret configured for the provider, in
// configuration order.
func (r *KeyRegistry) Keys(providerID string) []string {
	var out []string
	for _, k := range r.keys[providerID] {
		if usable(k) {
			out = append(out, k)
		}
	}
	return out
}

// SigningKey returns the secret used for outgoing signatures.
func (r *KeyRegistry) SigningKey(providerID string) (string, error) {
	keys := r.Keys(providerID)
	if len(keys) == 0 {
		return "", ErrNoSecretKey
	}
	return keys[0], nil
}

// Sign computes the lowercase-hex HMAC-SHA256 over the canonicalized
// parameter map. Keys are visited in ascending lexicographic order, any key
// named "signature" is skipped, and each retained pair contributes the UTF-8
// bytes "<key>:<value>" with no separator between pairs.
func Sign(params map[string]interface{}, key string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		if k == "signature" {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)

	mac := hmac.New(sha256.New, []byte(key))
	for _, k := range names {
		mac.Write([]byte(k))
		mac.Write([]byte{':'})
		mac.Write([]byte(renderScalar(params[k])))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature under every candidate key and reports
// whether any of them matches sig exactly.
func Verify(params map[string]interface{}, sig string, keys []string) bool {
	for _, key := range keys {
		if hmac.Equal([]byte(Sign(params, key)), []byte(sig)) {
			return true
		}
	}
	return false
}

// renderScalar produces the canonical textual form of a parameter value:
// integers as decimal, floats bounded at seven visible characters, JSON
// numbers in their original textual form.
func renderScalar(v interface{}) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return vv
	case json.Number:
		return vv.String()
	case int:
		return strconv.Itoa(vv)
	case int64:
		return strconv.FormatInt(vv, 10)
	case float64:
		return FormatGrade(vv)
	case bool:
		return strconv.FormatBool(vv)
	default:
		return fmt.Sprintf("%v", vv)
	}
}

// FormatGrade renders a fractional grade with at most seven characters of
// text. The bound is a provider-compatibility constraint on the wire format.
func FormatGrade(grade float64) string {
	s := strconv.FormatFloat(grade, 'f', -1, 64)
	if len(s) > 7 {
		s = s[:7]
	}
	return s
}
