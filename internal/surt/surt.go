// Package surt converts URLs into SURT keys (Sort-friendly URI Reordering
// Transform): the host labels reversed and comma separated, a closing
// parenthesis, then the path and sorted query. SURTs of the same site share a
// prefix, which is what pattern matching relies on.
package surt

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/purell"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

const normalizeFlags = purell.FlagLowercaseScheme |
	purell.FlagLowercaseHost |
	purell.FlagRemoveDefaultPort |
	purell.FlagRemoveFragment |
	purell.FlagDecodeUnnecessaryEscapes |
	purell.FlagSortQuery |
	purell.FlagRemoveDuplicateSlashes |
	purell.FlagRemoveDotSegments

// Normalize returns the SURT form of raw. It fails with harvest.ErrInvalidURL
// unless raw is an absolute http(s) URL on a domain name without an explicit
// port or user info.
func Normalize(raw string) (string, error) {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	if lowered == "" {
		return "", fmt.Errorf("%w: empty", harvest.ErrInvalidURL)
	}
	normalized, err := purell.NormalizeURLString(lowered, normalizeFlags)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", harvest.ErrInvalidURL, raw, err)
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", harvest.ErrInvalidURL, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %q: unsupported scheme", harvest.ErrInvalidURL, raw)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: %q: user info", harvest.ErrInvalidURL, raw)
	}
	if u.Port() != "" {
		return "", fmt.Errorf("%w: %q: explicit port", harvest.ErrInvalidURL, raw)
	}
	host := strings.TrimSuffix(u.Hostname(), ".")
	if net.ParseIP(host) != nil {
		return "", fmt.Errorf("%w: %q: ip address host", harvest.ErrInvalidURL, raw)
	}
	labels := strings.Split(host, ".")
	for _, label := range labels {
		if !validLabel(label) {
			return "", fmt.Errorf("%w: %q: invalid host", harvest.ErrInvalidURL, raw)
		}
	}
	reverse(labels)

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	var b strings.Builder
	b.WriteString(strings.Join(labels, ","))
	b.WriteByte(')')
	b.WriteString(path)
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String(), nil
}

// Parse validates a complete SURT and splits it into host labels (in SURT
// order) and the path with query.
func Parse(s string) ([]string, string, error) {
	if s != strings.ToLower(s) {
		return nil, "", fmt.Errorf("%w: surt %q is not lowercase", harvest.ErrInvalidURL, s)
	}
	domain, path, ok := strings.Cut(s, ")")
	if !ok || !strings.HasPrefix(path, "/") {
		return nil, "", fmt.Errorf("%w: malformed surt %q", harvest.ErrInvalidURL, s)
	}
	labels := strings.Split(domain, ",")
	for _, label := range labels {
		if !validLabel(label) {
			return nil, "", fmt.Errorf("%w: malformed surt host %q", harvest.ErrInvalidURL, s)
		}
	}
	return labels, path, nil
}

// CanonicalURL turns a SURT back into the https URL it identifies.
func CanonicalURL(s string) (string, error) {
	labels, path, err := Parse(s)
	if err != nil {
		return "", err
	}
	host := make([]string, len(labels))
	copy(host, labels)
	reverse(host)
	return "https://" + strings.Join(host, ".") + path, nil
}

// FromPatternInput accepts either a URL or a (possibly partial) SURT prefix
// such as "com,example," and returns the SURT used as a pattern key.
func FromPatternInput(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		return Normalize(s)
	}
	s = strings.ToLower(s)
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return "", fmt.Errorf("%w: pattern %q", harvest.ErrInvalidURL, s)
	}
	domain, _, _ := strings.Cut(s, ")")
	for _, label := range strings.Split(strings.TrimSuffix(domain, ","), ",") {
		if !validLabel(label) {
			return "", fmt.Errorf("%w: pattern %q", harvest.ErrInvalidURL, s)
		}
	}
	return s, nil
}

func validLabel(label string) bool {
	if label == "" {
		return false
	}
	for _, r := range label {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
