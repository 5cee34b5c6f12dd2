package request

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// cacheKey derives the cache key for a request.
//
// GET keys are (method, url) only. Any other method additionally folds a
// serialization of the headers and body into the key, so two non-idempotent
// calls with different payloads never collide.
func cacheKey(method, url string, headers map[string]string, body []byte) string {
	if method == "" {
		method = http.MethodGet
	}
	if method == http.MethodGet {
		return fmt.Sprintf("%s:%s", method, url)
	}

	var sb strings.Builder
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("%s=%s|", k, headers[k]))
	}
	sb.Write(body)

	hash := sha256.Sum256([]byte(sb.String()))
	return fmt.Sprintf("%s:%s:%s", method, url, hex.EncodeToString(hash[:]))
}
