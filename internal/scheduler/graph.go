package scheduler

import (
	"fmt"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

// depGraph is the adjacency structure over blocking job dependencies:
// job id -> the ids it waits on, plus the reverse index for cascades.
// Not safe for concurrent use; the scheduler guards it with its own mutex.
type depGraph struct {
	blockers   map[string][]string
	dependents map[string][]string
}

func newDepGraph() *depGraph {
	return &depGraph{
		blockers:   make(map[string][]string),
		dependents: make(map[string][]string),
	}
}

// add registers a job and its blocking dependencies. Submissions that would
// close a cycle are rejected, so the graph stays a DAG and dispatch can
// never deadlock on it.
func (g *depGraph) add(jobID string, dependsOn []string) error {
	if _, exists := g.blockers[jobID]; exists {
		return fmt.Errorf("job %s already in dependency graph", jobID)
	}
	for _, dep := range dependsOn {
		if dep == jobID {
			return fmt.Errorf("job %s depends on itself: %w", jobID, engine.ErrDependencyCycle)
		}
		if g.reaches(dep, jobID) {
			return fmt.Errorf("job %s and %s: %w", jobID, dep, engine.ErrDependencyCycle)
		}
	}
	g.blockers[jobID] = append([]string(nil), dependsOn...)
	for _, dep := range dependsOn {
		g.dependents[dep] = append(g.dependents[dep], jobID)
	}
	return nil
}

// reaches reports whether start can reach target following blocker edges.
func (g *depGraph) reaches(start, target string) bool {
	if start == target {
		return true
	}
	seen := map[string]struct{}{}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		for _, dep := range g.blockers[id] {
			if dep == target {
				return true
			}
			stack = append(stack, dep)
		}
	}
	return false
}

// blockersOf returns the ids the job waits on.
func (g *depGraph) blockersOf(jobID string) []string {
	return g.blockers[jobID]
}

// dependentsOf returns the ids waiting on the job.
func (g *depGraph) dependentsOf(jobID string) []string {
	return g.dependents[jobID]
}
