package engine

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/raysh454/httpbridge/internal/model"
)

// forbiddenHeaders are request headers a sandboxed caller may not set
// unless the engine runs with AllowUnsafeHeaders.
var forbiddenHeaders = map[string]struct{}{
	"accept-charset":                 {},
	"accept-encoding":                {},
	"access-control-request-headers": {},
	"access-control-request-method":  {},
	"connection":                     {},
	"cookie":                         {},
	"cookie2":                        {},
	"date":                           {},
	"dnt":                            {},
	"expect":                         {},
	"host":                           {},
	"keep-alive":                     {},
	"origin":                         {},
	"referer":                        {},
	"set-cookie":                     {},
	"te":                             {},
	"trailer":                        {},
	"transfer-encoding":              {},
	"upgrade":                        {},
	"via":                            {},
}

func isForbiddenHeader(lower string) bool {
	if _, ok := forbiddenHeaders[lower]; ok {
		return true
	}
	return strings.HasPrefix(lower, "proxy-") || strings.HasPrefix(lower, "sec-")
}

// applyRequestHeaders copies hs onto req in order and returns the names that
// were dropped by the unsafe header gate.
func applyRequestHeaders(req *http.Request, hs model.Headers, allowUnsafe bool) ([]string, error) {
	var dropped []string
	for _, h := range hs {
		name := strings.TrimSpace(h.Name())
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("%w: header name %q", ErrInvalidRequest, h.Name())
		}
		if !httpguts.ValidHeaderFieldValue(h.Value()) {
			return nil, fmt.Errorf("%w: value of header %q", ErrInvalidRequest, name)
		}
		lower := strings.ToLower(name)
		if lower == "content-length" {
			continue
		}
		if isForbiddenHeader(lower) && !allowUnsafe {
			dropped = append(dropped, lower)
			continue
		}
		if lower == "host" {
			req.Host = h.Value()
			continue
		}
		req.Header.Add(name, h.Value())
	}
	return dropped, nil
}

// responseHeaders flattens an http.Header into lowercase ordered pairs.
// Names are sorted; values for one name keep their received order.
func responseHeaders(h http.Header) model.Headers {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(model.Headers, 0, len(h))
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, v := range h[name] {
			out = append(out, model.Header{lower, v})
		}
	}
	return out
}
