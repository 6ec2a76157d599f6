package dedupe

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
)

// Allowlist holds the known sets of rows with legitimate multiplicity:
// same-day, same-amount coincidences that must never be flagged as
// duplicates (e.g. two independent fee charges that happen to match).
type Allowlist struct {
	sets []map[uuid.UUID]bool
}

// LoadAllowlist reads a JSON file of row-id sets: [["id","id"],...].
// An empty path yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw [][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	a := &Allowlist{}
	for _, group := range raw {
		set := make(map[uuid.UUID]bool, len(group))
		for _, s := range group {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, err
			}
			set[id] = true
		}
		a.sets = append(a.sets, set)
	}
	return a, nil
}

// Contains reports whether every given id belongs to one allowlisted set.
func (a *Allowlist) Contains(ids []uuid.UUID) bool {
	for _, set := range a.sets {
		all := true
		for _, id := range ids {
			if !set[id] {
				all = false
				break
			}
		}
		if all && len(ids) > 0 {
			return true
		}
	}
	return false
}
