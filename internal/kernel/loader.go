package kernel

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/yodoca/yodoca"
)

// entry pairs a validated manifest with the directory it was found in. The
// directory anchors relative paths such as instructions files.
type entry struct {
	manifest *yodoca.Manifest
	dir      string
}

// discover scans <extensions>/*/manifest.yaml. Directories without a
// manifest are ignored; invalid manifests and disabled extensions are
// skipped with a log line. A missing extensions directory yields zero
// entries.
func discover(dir string, logger *slog.Logger) ([]entry, error) {
	des, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("extensions directory absent", "dir", dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan extensions: %w", err)
	}

	var out []entry
	for _, de := range des {
		if !de.IsDir() {
			continue
		}
		extDir := filepath.Join(dir, de.Name())
		path := filepath.Join(extDir, "manifest.yaml")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := yodoca.LoadManifest(path)
		if err != nil {
			logger.Error("manifest rejected", "path", path, "error", err)
			continue
		}
		if !m.IsEnabled() {
			logger.Info("extension disabled", "ext", m.ID)
			continue
		}
		out = append(out, entry{manifest: m, dir: extDir})
	}
	return out, nil
}

// sortByDependency orders entries so every extension follows its
// dependencies, with lexical order breaking ties. Extensions whose
// depends_on names an unknown or rejected extension fail, as does every
// member of a dependency cycle; failures propagate to transitive
// dependents. Failed ids are returned with their reasons.
func sortByDependency(entries []entry) ([]entry, map[string]error) {
	byID := make(map[string]entry, len(entries))
	for _, e := range entries {
		byID[e.manifest.ID] = e
	}

	failed := make(map[string]error)
	for _, e := range entries {
		for _, dep := range e.manifest.DependsOn {
			if _, ok := byID[dep]; !ok {
				failed[e.manifest.ID] = &yodoca.ErrUnknownDependency{
					ExtensionID: e.manifest.ID, DependsOn: dep,
				}
				break
			}
		}
	}
	propagateFailures(entries, failed)

	// Kahn's algorithm over the survivors, ready set kept sorted for
	// deterministic load order.
	indeg := make(map[string]int)
	dependents := make(map[string][]string)
	for _, e := range entries {
		id := e.manifest.ID
		if _, bad := failed[id]; bad {
			continue
		}
		indeg[id] += 0
		for _, dep := range e.manifest.DependsOn {
			indeg[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, n := range indeg {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var ordered []entry
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[id])
		var unlocked []string
		for _, next := range dependents[id] {
			indeg[next]--
			if indeg[next] == 0 {
				unlocked = append(unlocked, next)
			}
		}
		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}

	// Anything not emitted sits on a cycle (or behind one).
	if len(ordered) < len(indeg) {
		markCycles(entries, indeg, ordered, failed)
		propagateFailures(entries, failed)
	}
	return ordered, failed
}

// propagateFailures marks every extension whose depends_on chain reaches a
// failed extension.
func propagateFailures(entries []entry, failed map[string]error) {
	for changed := true; changed; {
		changed = false
		for _, e := range entries {
			id := e.manifest.ID
			if _, bad := failed[id]; bad {
				continue
			}
			for _, dep := range e.manifest.DependsOn {
				if _, bad := failed[dep]; bad {
					failed[id] = &yodoca.ErrUnknownDependency{ExtensionID: id, DependsOn: dep}
					changed = true
					break
				}
			}
		}
	}
}

// markCycles finds the cycle each leftover node sits on and records a
// dependency-cycle error for its members.
func markCycles(entries []entry, indeg map[string]int, ordered []entry, failed map[string]error) {
	emitted := make(map[string]bool, len(ordered))
	for _, e := range ordered {
		emitted[e.manifest.ID] = true
	}
	deps := make(map[string][]string)
	var leftover []string
	for _, e := range entries {
		id := e.manifest.ID
		if _, tracked := indeg[id]; !tracked || emitted[id] {
			continue
		}
		leftover = append(leftover, id)
		deps[id] = e.manifest.DependsOn
	}
	sort.Strings(leftover)

	inLeftover := make(map[string]bool, len(leftover))
	for _, id := range leftover {
		inLeftover[id] = true
	}

	for _, start := range leftover {
		if _, bad := failed[start]; bad {
			continue
		}
		cycle := findCycle(start, deps, inLeftover)
		if cycle == nil {
			continue
		}
		err := &yodoca.ErrDependencyCycle{Cycle: cycle}
		for _, id := range cycle[:len(cycle)-1] {
			if _, bad := failed[id]; !bad {
				failed[id] = err
			}
		}
	}
}

// findCycle walks depends_on edges inside the leftover set from start until
// a node repeats, returning the closed cycle path ("a", "b", "a"). Returns
// nil if the walk escapes the set.
func findCycle(start string, deps map[string][]string, in map[string]bool) []string {
	path := []string{start}
	seen := map[string]int{start: 0}
	cur := start
	for {
		next := ""
		for _, dep := range deps[cur] {
			if in[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			return nil
		}
		if at, ok := seen[next]; ok {
			return append(path[at:], next)
		}
		seen[next] = len(path)
		path = append(path, next)
		cur = next
	}
}

// mergeSorted merges two sorted string slices.
func mergeSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
