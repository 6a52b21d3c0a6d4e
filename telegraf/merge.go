package telegraf

import "sort"

// MergePolicy controls how a merge treats entries that were present in the
// previous model but missing from the current discovery pass. Removal is
// destructive, so pruning is opt-in; the default keeps stale entries to avoid
// disrupting active monitoring while a server is briefly degraded.
type MergePolicy struct {
	PruneStale bool
}

// Merge reconciles the discovered entries for one endpoint into prev and
// returns a new model. Sections not owned by this tool pass through
// untouched. If no owned section exists for the endpoint, an
// [[inputs.opcua]] section is created at the end of the file.
//
// Merge is deterministic: the same prev and discovered set always produce
// the same model, and merging an unchanged discovery result a second time is
// a no-op.
func Merge(prev *ConfigModel, discovered []MetricEntry, endpoint string, policy MergePolicy) *ConfigModel {
	next := prev.Clone()

	sections := next.OwnedByEndpoint(endpoint)
	if len(sections) == 0 {
		owned := &OwnedSection{
			Plugin:   PluginOPCUA,
			Endpoint: endpoint,
			Body:     map[string]interface{}{"name": "opcua"},
		}
		next.Sections = append(next.Sections, Section{Owned: owned})
		sections = []*OwnedSection{owned}
	}

	for _, sec := range sections {
		mergeSection(sec, discovered, policy)
	}
	return next
}

func mergeSection(sec *OwnedSection, discovered []MetricEntry, policy MergePolicy) {
	seen := make(map[string]bool, len(discovered))
	var fresh []MetricEntry
	for _, e := range discovered {
		if !seen[e.Key()] {
			seen[e.Key()] = true
			fresh = append(fresh, e)
		}
	}

	existing := make(map[string]bool, len(sec.Entries))
	var kept []MetricEntry
	for _, e := range sec.Entries {
		existing[e.Key()] = true
		if policy.PruneStale && !seen[e.Key()] {
			continue
		}
		kept = append(kept, e)
	}

	var added []MetricEntry
	for _, e := range fresh {
		if !existing[e.Key()] {
			added = append(added, e)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i].Key() < added[j].Key() })

	sec.Entries = resolveNames(kept, added)
}

// resolveNames appends the added entries to kept while keeping field names
// unique within the section. A colliding added entry is qualified with its
// browse path; when even that collides the canonical key is appended.
func resolveNames(kept, added []MetricEntry) []MetricEntry {
	taken := make(map[string]bool, len(kept)+len(added))
	for _, e := range kept {
		taken[e.Name] = true
	}
	out := kept
	for _, e := range added {
		if taken[e.Name] {
			if q := e.QualifiedName(); q != e.Name && !taken[q] {
				e.Name = q
			} else {
				e.Name = e.Name + "_" + e.Key()
			}
		}
		taken[e.Name] = true
		out = append(out, e)
	}
	return out
}
