// Package domain normalizes and validates scan targets. Invalid forms are
// rejected when the domain list is loaded, never in the middle of a scan.
package domain

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const (
	maxDomainLen = 253
	maxLabelLen  = 63
)

// Normalize lowercases a raw target and strips surrounding whitespace, an
// http/https scheme prefix, and any trailing slash or path remainder.
func Normalize(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "https://")
	if i := strings.IndexByte(d, '/'); i >= 0 {
		d = d[:i]
	}
	return d
}

// Validate reports whether d is a plausible DNS hostname: at least two
// labels, each 1-63 characters of alphanumerics and hyphens with alphanumeric
// edges (punycode labels excepted), total length at most 253.
func Validate(d string) bool {
	if d == "" || d != strings.TrimSpace(d) || len(d) > maxDomainLen {
		return false
	}

	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		return false
	}

	for _, label := range labels {
		if label == "" || len(label) > maxLabelLen {
			return false
		}
		for _, c := range label {
			if !isAlnum(c) && c != '-' {
				return false
			}
		}
		if !isAlnum(rune(label[0])) || !isAlnum(rune(label[len(label)-1])) {
			if !strings.HasPrefix(label, "xn--") {
				return false
			}
		}
	}
	return true
}

func isAlnum(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z')
}

// ReadList consumes a newline-delimited stream of hostnames. Blank lines and
// '#' comments are skipped, duplicates collapse, and each surviving line is
// normalized and validated. It returns the valid targets plus the number of
// rejected lines.
func ReadList(r io.Reader) ([]string, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	seen := make(map[string]struct{})
	var targets []string
	rejected := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d := Normalize(line)
		if !Validate(d) {
			rejected++
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		targets = append(targets, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, rejected, fmt.Errorf("failed to read domain list: %w", err)
	}
	return targets, rejected, nil
}

// BuildURL joins a normalized target and a rule path into a probe URL.
func BuildURL(scheme, target, path string) string {
	if scheme == "" {
		scheme = "https"
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + target + path
}
