package engine

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/namelens/headroom/internal/core"
)

// Rate limit header prefixes. The dimension name is whatever follows the prefix.
const (
	HeaderRemainingPrefix = "x-ratelimit-remaining-"
	HeaderLimitPrefix     = "x-ratelimit-limit-"
	HeaderResetPrefix     = "x-ratelimit-reset-"
)

// Discover builds a snapshot from a response header map. Keys are matched
// case-insensitively. A dimension is included only when both its remaining
// and limit values parse as integers; anything else drops the dimension.
func Discover(headers map[string]string) core.LimitSnapshot {
	folded := foldHeaders(headers)
	snapshot := make(core.LimitSnapshot)

	for key, rawRemaining := range folded {
		if !strings.HasPrefix(key, HeaderRemainingPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, HeaderRemainingPrefix)
		if name == "" {
			continue
		}

		remaining, ok := parseCount(rawRemaining)
		if !ok {
			continue
		}
		rawLimit, found := folded[HeaderLimitPrefix+name]
		if !found {
			continue
		}
		limit, ok := parseCount(rawLimit)
		if !ok {
			continue
		}

		snapshot[name] = core.LimitDimension{
			Name:      name,
			Limit:     limit,
			Remaining: remaining,
			ResetIn:   strings.TrimSpace(folded[HeaderResetPrefix+name]),
		}
	}

	return snapshot
}

// DiscoverHeader builds a snapshot from a net/http header.
func DiscoverHeader(header http.Header) core.LimitSnapshot {
	return Discover(FlattenHeader(header))
}

// FlattenHeader keeps the first value of every header key.
func FlattenHeader(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) == 0 {
			continue
		}
		flat[key] = values[0]
	}
	return flat
}

// foldHeaders lower-cases keys. Keys are visited in sorted order so that a
// map carrying the same key in two cases always resolves the same way.
func foldHeaders(headers map[string]string) map[string]string {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	folded := make(map[string]string, len(headers))
	for _, key := range keys {
		folded[strings.ToLower(strings.TrimSpace(key))] = headers[key]
	}
	return folded
}

func parseCount(value string) (int, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, false
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, false
	}
	return n, true
}
