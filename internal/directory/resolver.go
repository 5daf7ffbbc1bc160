// ABOUTME: Alias slugification and the rebuildable alias-to-device projection
// ABOUTME: An AliasMap is computed wholesale from a snapshot, never patched

package directory

import (
	"strings"
	"unicode"

	"github.com/adaos/authority/internal/store"
)

// Slugify normalizes an alias for lookup: lowercased, runs of
// non-alphanumeric characters collapsed to a single hyphen, leading and
// trailing hyphens trimmed.
func Slugify(alias string) string {
	var b strings.Builder
	b.Grow(len(alias))

	pendingHyphen := false
	for _, r := range strings.ToLower(alias) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		} else {
			pendingHyphen = true
		}
	}
	return b.String()
}

// AliasMap maps alias slugs to device IDs. It is always consistent with
// the snapshot it was built from.
type AliasMap map[string]string

// BuildAliasMap computes the alias projection for a device snapshot.
// Revoked devices are excluded; on slug collision the earliest device in
// the snapshot wins, matching the directory's creation order.
func BuildAliasMap(devices []*store.Device) AliasMap {
	m := make(AliasMap)
	for _, d := range devices {
		if d.Revoked {
			continue
		}
		for _, alias := range d.Aliases {
			slug := Slugify(alias)
			if slug == "" {
				continue
			}
			if _, taken := m[slug]; !taken {
				m[slug] = d.ID
			}
		}
	}
	return m
}

// Resolve looks up a device ID by alias, slugifying the input first.
func (m AliasMap) Resolve(alias string) (string, bool) {
	id, ok := m[Slugify(alias)]
	return id, ok
}
