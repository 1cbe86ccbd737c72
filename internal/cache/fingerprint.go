package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// fingerprintLen is the truncated hex length of a fingerprint. The
// collision risk is a birthday bound over the store size, which the
// design accepts.
const fingerprintLen = 16

// Fingerprint derives the cache key for a request variant. It hashes
// the method, the full target, the canonicalized query, the body
// digest (non-GET/HEAD only, when those methods are cacheable), and
// the configured vary-by header values in order.
func Fingerprint(r *http.Request, body []byte, varyBy []string) string {
	h := sha256.New()

	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write([]byte(canonicalQuery(r.URL.Query())))
	h.Write([]byte{0})

	if r.Method != http.MethodGet && r.Method != http.MethodHead && len(body) > 0 {
		digest := sha256.Sum256(body)
		h.Write(digest[:])
		h.Write([]byte{0})
	}

	for _, name := range varyBy {
		h.Write([]byte(r.Header.Get(name)))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}

// canonicalQuery renders query values with sorted keys so equivalent
// targets share one fingerprint regardless of parameter order.
func canonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}
