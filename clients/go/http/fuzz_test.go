package http

import (
	"strings"
	"testing"
)

// FuzzDecodeAPIError ensures arbitrary error bodies never panic and always
// produce an error carrying the status code.
func FuzzDecodeAPIError(f *testing.F) {
	f.Add(400, []byte(`{"error":"invalid flag","details":["a","b"]}`))
	f.Add(404, []byte(`{"error":"flag not found"}`))
	f.Add(401, []byte("unauthorized\n"))
	f.Add(500, []byte(`{"error":""}`))
	f.Add(413, []byte(`{"details":null}`))
	f.Add(502, []byte(""))

	f.Fuzz(func(t *testing.T, statusCode int, body []byte) {
		apiErr := decodeAPIError(statusCode, body)
		if apiErr.StatusCode != statusCode {
			t.Fatalf("StatusCode = %d, want %d", apiErr.StatusCode, statusCode)
		}
		if !strings.Contains(apiErr.Error(), "rollout: HTTP") {
			t.Fatalf("Error() = %q, want rollout prefix", apiErr.Error())
		}
	})
}
