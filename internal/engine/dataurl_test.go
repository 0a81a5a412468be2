package engine

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataResponse(t *testing.T) {
	tests := []struct {
		raw      string
		wantType string
		wantBody string
	}{
		{"data:,Hello%2C%20World%21", defaultDataMediaType, "Hello, World!"},
		{"data:text/plain;base64,SGVsbG8sIFdvcmxkIQ==", "text/plain", "Hello, World!"},
		{"data:text/html,%3Ch1%3Ehi%3C%2Fh1%3E", "text/html", "<h1>hi</h1>"},
		{"data:;base64,aGk", defaultDataMediaType, "hi"},
		{"DATA:application/json,{}#frag", "application/json", "{}"},
		{"data:,", defaultDataMediaType, ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			resp, err := dataResponse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, 200, resp.StatusCode)
			assert.Nil(t, resp.Request)
			assert.Equal(t, tt.wantType, resp.Header.Get("Content-Type"))
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, string(body))
		})
	}
}

func TestDataResponse_Invalid(t *testing.T) {
	for _, raw := range []string{"data:text/plain", "http://x/", "data:;base64,!!!"} {
		_, err := dataResponse(raw)
		assert.ErrorIs(t, err, ErrInvalidRequest, raw)
	}
}
