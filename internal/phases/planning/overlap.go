package planning

import (
	"strings"

	"github.com/mfinley/taskmill/internal/task"
)

// ResolveOverlaps turns write-footprint conflicts into an execution plan.
// Two epics in the same repository whose footprints (files modified or
// created) intersect must not run concurrently: the later one in plan order
// gains a dependency on the earlier one. Execution order is then derived so
// that an epic runs strictly after everything it depends on; epics sharing
// an order level have disjoint footprints and may run in parallel.
func ResolveOverlaps(epics []task.Epic) {
	for i := range epics {
		epics[i].ExecutionOrder = 1
	}
	for i := range epics {
		for j := 0; j < i; j++ {
			if epics[i].RepositoryID != epics[j].RepositoryID {
				continue
			}
			if footprintsIntersect(&epics[i], &epics[j]) {
				epics[i].DependsOn = appendUnique(epics[i].DependsOn, epics[j].ID)
			}
		}
	}

	byID := make(map[string]*task.Epic, len(epics))
	for i := range epics {
		byID[epics[i].ID] = &epics[i]
	}

	// Relax orders until stable. Dependencies only point backwards in plan
	// order, so this terminates in at most len(epics) passes.
	for changed := true; changed; {
		changed = false
		for i := range epics {
			want := 1
			for _, dep := range epics[i].DependsOn {
				if d, ok := byID[dep]; ok && d.ExecutionOrder >= want {
					want = d.ExecutionOrder + 1
				}
			}
			if epics[i].ExecutionOrder < want {
				epics[i].ExecutionOrder = want
				changed = true
			}
		}
	}
}

func footprintsIntersect(a, b *task.Epic) bool {
	fa := a.FileFootprint()
	for f := range b.FileFootprint() {
		if fa[f] {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// Path fragments that indicate which repository category a file belongs to.
var categoryHints = map[string][]string{
	"backend":  {"api/", "controller", "model", "migration", "handler", "service", "repository", ".go", ".py", ".rb"},
	"frontend": {"component", "page", "view", "style", "hook", ".tsx", ".jsx", ".vue", ".css"},
}

// resolveRepository maps a planner-supplied repository name to a configured
// repository. Resolution order: exact name or id match, then the first
// declared affected repository that matches, then path-keyword inference over
// the epic's footprint, then the first repository. The second return is true
// when no declared name matched and inference was used.
func resolveRepository(pe planEpic, repos []task.Repository) (task.Repository, bool) {
	if len(repos) == 0 {
		return task.Repository{}, true
	}
	name := strings.ToLower(strings.TrimSpace(pe.Repository))
	for _, r := range repos {
		if name != "" && (strings.ToLower(r.Name) == name || strings.ToLower(r.ID) == name) {
			return r, false
		}
	}
	// Planner-declared data outranks inference: an epic that lists the
	// repositories it touches resolves to the first recognized one.
	for _, affected := range pe.AffectedRepositories {
		an := strings.ToLower(strings.TrimSpace(affected))
		if an == "" {
			continue
		}
		for _, r := range repos {
			if strings.ToLower(r.Name) == an || strings.ToLower(r.ID) == an {
				return r, false
			}
		}
	}
	if len(repos) == 1 {
		return repos[0], pe.Repository != ""
	}

	if cat := inferCategory(pe); cat != "" {
		for _, r := range repos {
			if r.Category == cat {
				return r, true
			}
		}
	}
	return repos[0], true
}

func inferCategory(pe planEpic) string {
	var paths []string
	paths = append(paths, pe.FilesToModify...)
	paths = append(paths, pe.FilesToCreate...)

	scores := map[string]int{}
	for _, p := range paths {
		lp := strings.ToLower(p)
		for cat, hints := range categoryHints {
			for _, h := range hints {
				if strings.Contains(lp, h) {
					scores[cat]++
				}
			}
		}
	}

	best, bestScore := "", 0
	for cat, score := range scores {
		if score > bestScore {
			best, bestScore = cat, score
		}
	}
	return best
}
