package util

import (
	"net/url"
	"strings"
)

// NormalizeGameURL returns the canonical form used as a game's natural key:
// lowercase host, no trailing slash, no query or fragment.
func NormalizeGameURL(rawURL string) (string, error) {
	parsedURL, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL, err
	}

	parsedURL.Host = strings.ToLower(parsedURL.Host)
	if len(parsedURL.Path) > 1 && strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")
		parsedURL.RawPath = ""
	}
	parsedURL.RawQuery = ""
	parsedURL.Fragment = ""
	return parsedURL.String(), nil
}

// ResolveURL resolves ref against base. ref is returned unchanged when either fails to parse.
func ResolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// SamePage reports whether a and b name the same page, ignoring a trailing slash.
func SamePage(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}
