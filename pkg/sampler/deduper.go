package sampler

import (
	"fmt"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
)

const defaultDedupTTL = 10 * time.Minute

// suppresses repeated diagnostics for the same malformed record,
// since a stuck record is otherwise logged once per cycle
type deduper struct {
	cache *cache.Cache
}

func newDeduper(cacheExpiration time.Duration, cachePurgeInterval time.Duration) *deduper {
	return &deduper{
		cache: cache.New(cacheExpiration, cachePurgeInterval),
	}
}

func cacheKey(reason string, msg string, keysAndValues ...interface{}) string {
	sb := strings.Builder{}
	sb.WriteString(reason)
	sb.WriteString("|")
	sb.WriteString(msg)
	for _, kv := range keysAndValues {
		sb.WriteString("|")
		sb.WriteString(fmt.Sprint(kv))
	}
	return sb.String()
}

// first returns true if the diagnostic was not seen within the expiration window.
func (d *deduper) first(reason string, msg string, keysAndValues ...interface{}) bool {
	if d == nil {
		return true
	}
	return d.cache.Add(cacheKey(reason, msg, keysAndValues...), struct{}{}, cache.DefaultExpiration) == nil
}
