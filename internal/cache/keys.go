// Package cache implements the response cache in front of the registry and
// the category store.
//
// Reads go through Layered.GetOrCompute: the Redis tier when enabled,
// otherwise the in-process tier, then the compute function. Writes to collections or
// categories invalidate a whole namespace by wildcard. The Redis tier is
// never required: every failure there is logged and treated as a miss.
package cache

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key namespaces.
const (
	NamespaceCollections = "api:collections"
	NamespaceCategories  = "api:categories"

	PatternCollections = NamespaceCollections + ":*"
	PatternCategories  = NamespaceCategories + ":*"

	KeyCategoryTree = NamespaceCategories + ":tree"
)

// CollectionsKey builds the key of one collections read.
func CollectionsKey(action, name string) string {
	if name == "" {
		return NamespaceCollections + ":" + action
	}
	return NamespaceCollections + ":" + action + ":" + name
}

// MatchPattern reports whether key matches pattern. A trailing "*" matches
// any suffix; anything else must match exactly.
func MatchPattern(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}

// ETag returns a strong entity tag for a payload.
func ETag(data []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(data))
}
