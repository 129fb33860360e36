package fetch

import (
	"strconv"
	"strings"

	"github.com/mitchellh/hashstructure/v2"
)

// keyPayload is what gets hashed into the cache key's content suffix.
// hashstructure folds map entries order-independently, so keys are stable
// under parameter re-ordering.
type keyPayload struct {
	Params map[string]string
	Body   any
}

// CacheKey derives the deterministic key for a request: upper-cased method,
// the path with the base URL stripped and slashes folded to dashes, and a
// 32-bit content hash rendered in base-36 when params or a body exist.
func CacheKey(method, rawURL, baseURL string, params map[string]string, body any) string {
	path := strings.TrimPrefix(rawURL, baseURL)
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimPrefix(path, "/")
	path = strings.ReplaceAll(path, "/", "-")

	key := strings.ToUpper(method) + ":" + path
	if len(params) == 0 && body == nil {
		return key
	}

	h, err := hashstructure.Hash(keyPayload{Params: params, Body: body}, hashstructure.FormatV2, nil)
	if err != nil {
		// Hashing only fails on unhashable exotic types; fall back to the
		// bare key rather than failing the request.
		return key
	}
	return key + ":" + strconv.FormatUint(h&0xffffffff, 36)
}
