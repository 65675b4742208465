package cache

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Kind is the resource type at the root of every cache key.
type Kind string

const (
	KindProducts   Kind = "products"
	KindCategories Kind = "categories"
	KindReviews    Kind = "reviews"
	KindCart       Kind = "cart"
	KindWishlist   Kind = "wishlist"
	KindStores     Kind = "stores"
)

var kinds = []Kind{
	KindProducts,
	KindCategories,
	KindReviews,
	KindCart,
	KindWishlist,
	KindStores,
}

func (k Kind) Valid() bool {
	return slices.Contains(kinds, k)
}

// Filter holds the query parameters of a read. Two filters with the same
// members resolve to the same digest regardless of construction order.
type Filter map[string]any

// Key identifies a cache entry: a resource kind, an ordered list of scope
// segments and an optional filter digest. Keys form a hierarchy; a key with
// fewer scope segments and no filter is a prefix of every key below it.
//
// Structure:
//   - <kind>/<scope>.../#<filter digest>
//
// Examples:
//   - reviews/list/p1
//   - reviews/list/p1/#9c1f0e6a2b3d4c5e
//   - cart/u1
type Key struct {
	kind   Kind
	scope  []string
	filter string
}

// Resolve derives the key for a read of kind under scope with filter. It is a
// pure function: identical inputs always yield equal keys.
func Resolve(kind Kind, scope []string, filter Filter) Key {
	return Key{
		kind:   kind,
		scope:  slices.Clone(scope),
		filter: digest(filter),
	}
}

// Prefix is a filterless key, used to address a whole branch of the
// hierarchy.
func Prefix(kind Kind, scope ...string) Key {
	return Resolve(kind, scope, nil)
}

func (k Key) Kind() Kind {
	return k.kind
}

func (k Key) Scope() []string {
	return slices.Clone(k.scope)
}

// Filter returns the filter digest, or "" when the key carries no filter.
func (k Key) Filter() string {
	return k.filter
}

// Equal reports whether two keys address the same entry.
func (k Key) Equal(other Key) bool {
	return k.kind == other.kind &&
		k.filter == other.filter &&
		slices.Equal(k.scope, other.scope)
}

// HasPrefix reports whether k lies at or below prefix in the hierarchy. A
// prefix carrying a filter only matches the identical key.
func (k Key) HasPrefix(prefix Key) bool {
	if k.kind != prefix.kind {
		return false
	}

	if prefix.filter != "" {
		return k.Equal(prefix)
	}

	if len(prefix.scope) > len(k.scope) {
		return false
	}

	return slices.Equal(k.scope[:len(prefix.scope)], prefix.scope)
}

// String renders the key in its canonical form. Segments are escaped, so the
// rendering is unambiguous and usable as a storage key.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(url.PathEscape(string(k.kind)))
	for _, s := range k.scope {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	if k.filter != "" {
		b.WriteString("/#")
		b.WriteString(k.filter)
	}
	return b.String()
}

// digest canonicalises the filter and hashes it. encoding/json writes map
// members in sorted key order at every level, which makes the encoding
// independent of insertion order.
func digest(filter Filter) string {
	if len(filter) == 0 {
		return ""
	}

	canonical, err := json.Marshal(filter)
	if err != nil {
		// fmt also prints maps in sorted key order
		canonical = []byte(fmt.Sprintf("%v", map[string]any(filter)))
	}

	return fmt.Sprintf("%016x", xxhash.Sum64(canonical))
}
