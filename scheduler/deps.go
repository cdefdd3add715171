package scheduler

import (
	"sort"

	"www.velocidex.com/golang/tracesketch/analyzers"
	"www.velocidex.com/golang/tracesketch/store"
)

// buildDependencyGraph maps each requested unit to the units it must
// wait for. Dependencies only bind within the same timeline - an
// analyzer never reads another timeline's output.
//
// Violations are session creation failures: a dependency that was not
// requested, or a cycle, rejects the whole request before any unit
// enters PENDING.
func buildDependencyGraph(units map[UnitKey]*Unit) (
	map[UnitKey][]UnitKey, error) {

	graph := make(map[UnitKey][]UnitKey)

	for key := range units {
		analyzer, pres := analyzers.GetAnalyzer(key.Analyzer)
		if !pres {
			return nil, store.QueryRejected(
				"unknown analyzer %v", key.Analyzer)
		}

		var edges []UnitKey
		for _, dep_name := range analyzer.Dependencies() {
			dep_key := UnitKey{
				TimelineID: key.TimelineID,
				Analyzer:   dep_name,
			}
			_, pres := units[dep_key]
			if !pres {
				return nil, store.QueryRejected(
					"unit %v depends on %v which is not part of the request",
					key, dep_name)
			}
			edges = append(edges, dep_key)
		}

		sort.Slice(edges, func(i, j int) bool {
			return edges[i].String() < edges[j].String()
		})
		graph[key] = edges
	}

	err := checkAcyclic(graph)
	if err != nil {
		return nil, err
	}
	return graph, nil
}

// Depth first cycle detection over the declared dependency edges.
func checkAcyclic(graph map[UnitKey][]UnitKey) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)

	state := make(map[UnitKey]int)

	var visit func(key UnitKey) error
	visit = func(key UnitKey) error {
		switch state[key] {
		case visiting:
			return store.QueryRejected(
				"dependency cycle through %v", key)
		case done:
			return nil
		}

		state[key] = visiting
		for _, dep := range graph[key] {
			err := visit(dep)
			if err != nil {
				return err
			}
		}
		state[key] = done
		return nil
	}

	// Iterate in stable order so the reported cycle member is
	// deterministic.
	var keys []UnitKey
	for key := range graph {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	for _, key := range keys {
		err := visit(key)
		if err != nil {
			return err
		}
	}
	return nil
}
