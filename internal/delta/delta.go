// Package delta computes the set difference between a freshly enumerated
// follow set and the stored active set for one account. It is pure: no store
// or network access, so callers are responsible for only invoking it with a
// complete enumeration (a partial fetch would produce spurious unfollows).
package delta

import (
	"sort"

	"github.com/artifish/skygraph/internal/graph"
)

// Diff classifies every DID in fetched and stored into exactly one bucket:
// ToInsert (fetched only), ToKeep (both), ToUnfollow (stored only).
// Duplicates are collapsed and each slice is sorted for deterministic output.
func Diff(fetched, stored []string) graph.Diff {
	fetchedSet := toSet(fetched)
	storedSet := toSet(stored)

	d := graph.Diff{}
	for did := range fetchedSet {
		if _, ok := storedSet[did]; ok {
			d.ToKeep = append(d.ToKeep, did)
		} else {
			d.ToInsert = append(d.ToInsert, did)
		}
	}
	for did := range storedSet {
		if _, ok := fetchedSet[did]; !ok {
			d.ToUnfollow = append(d.ToUnfollow, did)
		}
	}

	sort.Strings(d.ToInsert)
	sort.Strings(d.ToKeep)
	sort.Strings(d.ToUnfollow)
	return d
}

func toSet(dids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(dids))
	for _, did := range dids {
		if did == "" {
			continue
		}
		set[did] = struct{}{}
	}
	return set
}
