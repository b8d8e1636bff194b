package rules

import (
	"net/http"
	"sort"
	"strings"
)

// Response is the flattened view of an HTTP exchange that rules are evaluated
// against. Exposure often leaks through error pages and headers, so matching
// covers the full wire surface, not just the body.
type Response struct {
	// StatusLine is e.g. "HTTP/1.1 403 Forbidden".
	StatusLine string
	Header     http.Header
	Body       []byte

	haystack string
}

// FromHTTP builds a Response from a net/http response and an already-read,
// size-capped body.
func FromHTTP(resp *http.Response, body []byte) *Response {
	statusLine := resp.Proto + " " + resp.Status
	return &Response{
		StatusLine: statusLine,
		Header:     resp.Header,
		Body:       body,
	}
}

// Haystack concatenates status line, headers and body into the single string
// signatures are searched in. Header order is made deterministic so the same
// response always yields the same haystack. The result is memoized; a Response
// is built once per probe and then evaluated against one or more rules.
func (r *Response) Haystack() string {
	if r.haystack != "" {
		return r.haystack
	}

	var b strings.Builder
	b.WriteString(r.StatusLine)
	b.WriteString("\r\n")

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range r.Header[k] {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")
	b.Write(r.Body)

	r.haystack = b.String()
	return r.haystack
}

// Excerpt returns a short window of the haystack around the first occurrence
// of needle, used as finding evidence. Empty when the needle is absent.
func (r *Response) Excerpt(needle string, radius int) string {
	hay := r.Haystack()
	idx := strings.Index(hay, needle)
	if idx < 0 {
		return ""
	}
	start := idx - radius
	if start < 0 {
		start = 0
	}
	end := idx + len(needle) + radius
	if end > len(hay) {
		end = len(hay)
	}
	return hay[start:end]
}
