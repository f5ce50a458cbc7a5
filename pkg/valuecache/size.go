package valuecache

import (
	"encoding/json"

	"github.com/churchfleet/fleetcache/pkg/pool"
)

// fallbackSize is used when a value can not be serialized.
const fallbackSize = 1024

// calculateSize estimates the memory cost of v as the byte length of its
// JSON encoding.
func calculateSize(v any) int64 {
	buf := pool.GetBytesBuf()
	defer pool.ReleaseBytesBuf(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fallbackSize
	}
	// Encode appends a newline.
	return int64(buf.Len() - 1)
}
