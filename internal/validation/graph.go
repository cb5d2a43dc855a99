package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/karflow/pkg/schema"
)

// validateGraph runs Kahn's algorithm over the combined edge set of
// parent -> sub-action and action -> related action. Any node left with a
// positive in-degree sits on a cycle.
func validateGraph(kar *schema.KnowledgeArtifact) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]bool)
	edges := make(map[string][]string)
	var collect func(list []schema.Action)
	collect = func(list []schema.Action) {
		for i := range list {
			a := &list[i]
			nodes[a.ID] = true
			seen := make(map[string]bool)
			add := func(to string) {
				if seen[to] {
					return
				}
				seen[to] = true
				edges[a.ID] = append(edges[a.ID], to)
			}
			for _, sub := range a.SubActions {
				add(sub.ID)
			}
			for _, rel := range a.Related {
				add(rel.ActionID)
			}
			collect(a.SubActions)
		}
	}
	collect(kar.Actions)

	inDegree := make(map[string]int, len(nodes))
	for id := range nodes {
		inDegree[id] = 0
	}
	for id := range nodes {
		for _, to := range edges[id] {
			if nodes[to] { // dangling refs are reported by the semantic pass
				inDegree[to]++
			}
		}
	}

	queue := make([]string, 0, len(nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range edges[node] {
			if !nodes[to] {
				continue
			}
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if visited != len(nodes) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		result.AddError("actions", schema.ErrCodeCycleDetected,
			fmt.Sprintf("action graph contains a cycle through %s", strings.Join(cyclic, ", ")))
	}
	return result
}
