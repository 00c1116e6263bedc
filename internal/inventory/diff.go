package inventory

import (
	"sort"

	"github.com/flo-mic/debdeploy/internal/api"
)

// Diff returns the packages added, removed and changed in version between
// before and after.
func Diff(before, after Snapshot) Changes {
	c := Changes{Modified: make(map[string]api.VersionChange)}
	for name, newVersion := range after {
		oldVersion, ok := before[name]
		switch {
		case !ok:
			c.Additions = append(c.Additions, name)
		case oldVersion != newVersion:
			c.Modified[name] = api.VersionChange{Old: oldVersion, New: newVersion}
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			c.Removals = append(c.Removals, name)
		}
	}
	sort.Strings(c.Additions)
	sort.Strings(c.Removals)
	return c
}

// Apply records c in r.
func (c Changes) Apply(r *api.JobResult) {
	r.Additions = nonNil(c.Additions)
	r.Removals = nonNil(c.Removals)
	r.Updated = c.Modified
	if r.Updated == nil {
		r.Updated = make(map[string]api.VersionChange)
	}
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
