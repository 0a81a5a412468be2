package engine

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultDataMediaType = "text/plain;charset=US-ASCII"

// dataResponse answers a data: URL locally without touching the network.
func dataResponse(raw string) (*http.Response, error) {
	if len(raw) < len("data:") || !strings.EqualFold(raw[:len("data:")], "data:") {
		return nil, fmt.Errorf("%w: not a data url", ErrInvalidRequest)
	}
	rest := raw[len("data:"):]
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest = rest[:i]
	}
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, fmt.Errorf("%w: data url has no payload separator", ErrInvalidRequest)
	}
	meta, payload := rest[:comma], rest[comma+1:]

	isBase64 := false
	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		isBase64 = true
		meta = meta[:len(meta)-len(";base64")]
	}
	mediaType := strings.TrimSpace(meta)
	if mediaType == "" || strings.HasPrefix(mediaType, ";") {
		mediaType = defaultDataMediaType
	}

	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: data url payload: %v", ErrInvalidRequest, err)
	}
	data := []byte(decoded)
	if isBase64 {
		compact := strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
				return -1
			}
			return r
		}, decoded)
		data, err = base64.StdEncoding.DecodeString(compact)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(compact, "="))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: data url base64: %v", ErrInvalidRequest, err)
		}
	}

	header := http.Header{}
	header.Set("Content-Type", mediaType)
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
	}, nil
}
