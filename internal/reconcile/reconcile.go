// Package reconcile matches provider plant listings against the local
// registry by canonical name.
package reconcile

import (
	"github.com/lox/solarsync/internal/canon"
	"github.com/lox/solarsync/internal/models"
)

// Collision records a registry name whose canonical key was already taken by
// an earlier registry plant. The later plant wins the key; the earlier one
// becomes unreachable by name for the rest of the run.
type Collision struct {
	Key      string `json:"key"`
	Kept     string `json:"kept"`
	KeptID   int64  `json:"keptId"`
	Shadowed string `json:"shadowed"`
	ShadowID int64  `json:"shadowedId"`
}

// Index maps canonical keys to registry plants. It is built once per run and
// only read afterwards.
type Index struct {
	byKey      map[string]models.RegistryPlant
	collisions []Collision
}

func BuildIndex(keyer canon.Keyer, registry []models.RegistryPlant) *Index {
	ix := &Index{byKey: make(map[string]models.RegistryPlant, len(registry))}
	for _, p := range registry {
		key := keyer.Canonicalize(p.Name)
		if key == "" {
			continue
		}
		if prev, ok := ix.byKey[key]; ok {
			ix.collisions = append(ix.collisions, Collision{
				Key:      key,
				Kept:     p.Name,
				KeptID:   p.ID,
				Shadowed: prev.Name,
				ShadowID: prev.ID,
			})
		}
		ix.byKey[key] = p
	}
	return ix
}

func (ix *Index) Lookup(key string) (models.RegistryPlant, bool) {
	if key == "" {
		return models.RegistryPlant{}, false
	}
	p, ok := ix.byKey[key]
	return p, ok
}

// Len is the number of distinct keys in the index.
func (ix *Index) Len() int { return len(ix.byKey) }

func (ix *Index) Collisions() []Collision { return ix.collisions }

// Result classifies one provider's listing.
type Result struct {
	ProviderID string         `json:"providerId"`
	Total      int            `json:"total"`
	Matches    []models.Match `json:"matches"`
	Unmatched  []string       `json:"notFound"`
	Duplicates []string       `json:"duplicateKeys"`
}

type Reconciler struct {
	keyer canon.Keyer
	index *Index
}

func New(keyer canon.Keyer, registry []models.RegistryPlant) *Reconciler {
	return &Reconciler{keyer: keyer, index: BuildIndex(keyer, registry)}
}

func (r *Reconciler) Index() *Index { return r.index }

// Reconcile walks plants in listing order. Duplicate detection is scoped to
// this provider's own keys: the first plant to claim a key is matched (or
// reported unmatched), every later plant with the same key is a duplicate and
// never produces a match.
func (r *Reconciler) Reconcile(providerID string, plants []models.ProviderPlant) Result {
	res := Result{ProviderID: providerID, Total: len(plants)}
	seen := make(map[string]struct{}, len(plants))

	for _, p := range plants {
		key := r.keyer.Canonicalize(p.RawName)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			res.Duplicates = append(res.Duplicates, p.RawName)
			continue
		}
		seen[key] = struct{}{}

		reg, ok := r.index.Lookup(key)
		if !ok {
			res.Unmatched = append(res.Unmatched, p.RawName)
			continue
		}
		res.Matches = append(res.Matches, models.Match{
			RegistryID:   reg.ID,
			RegistryName: reg.Name,
			ProviderID:   providerID,
			ExternalID:   p.ExternalID,
			ExternalName: p.RawName,
			Weather:      p.Metrics.Weather,
		})
	}
	return res
}
