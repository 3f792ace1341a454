package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Search providers decorate result links with click-tracking parameters.
// Dropping them keeps one document from showing up under several URLs.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"utm_id":       {},
	"gclid":        {},
	"dclid":        {},
	"fbclid":       {},
	"msclkid":      {},
	"igshid":       {},
}

// CanonicalURL normalizes a URL for deduplication and cache keying:
// lowercased scheme and host, default ports and fragments dropped, path
// cleaned, tracking parameters removed and the remaining query sorted.
// Schemeless input is assumed https since documentation links arrive
// both ways.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}

	u, err := parseLoose(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	u.Scheme = strings.ToLower(u.Scheme)

	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	if host == "" {
		return "", errors.New("url has no host")
	}
	u.Host = host

	trailing := strings.HasSuffix(u.Path, "/") && u.Path != "/"
	cleaned := path.Clean(u.Path)
	if cleaned == "." || cleaned == "" {
		cleaned = "/"
	}
	if trailing && cleaned != "/" {
		cleaned += "/"
	}
	u.Path = cleaned
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if _, drop := trackingParams[strings.ToLower(key)]; drop {
			q.Del(key)
		}
	}
	for _, vals := range q {
		sort.Strings(vals)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// URLFingerprint hashes the canonical form, so equivalent URLs share a
// cache key.
func URLFingerprint(raw string) (string, error) {
	canonical, err := CanonicalURL(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// parseLoose accepts the sloppy forms search results use: bare hosts and
// protocol-relative links parse as if they were https.
func parseLoose(raw string) (*url.URL, error) {
	if strings.HasPrefix(raw, "//") {
		return url.Parse("https:" + raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" && u.Host == "" {
		return url.Parse("https://" + raw)
	}
	return u, nil
}
