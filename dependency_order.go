package modhost

import "slices"

// ResolveLoadOrder sorts modules so every dependency comes before its
// dependents. Legacy and versioned declarations both form edges; edges to
// modules outside the set are ignored, validation reports those. Modules
// with no unmet dependency keep their first-encountered order.
func ResolveLoadOrder(modules []Module) ([]Module, error) {
	byName := make(map[string]Module, len(modules))
	names := make([]string, 0, len(modules))
	for _, m := range modules {
		if _, dup := byName[m.Name()]; dup {
			continue
		}
		byName[m.Name()] = m
		names = append(names, m.Name())
	}

	graph := make(map[string][]string, len(names))
	for _, name := range names {
		for _, dep := range dependencyNames(byName[name]) {
			if _, ok := byName[dep]; ok {
				graph[name] = append(graph[name], dep)
			}
		}
	}

	order, err := topoSort(names, graph)
	if err != nil {
		return nil, err
	}

	sorted := make([]Module, 0, len(order))
	for _, name := range order {
		sorted = append(sorted, byName[name])
	}
	return sorted, nil
}

// topoSort is a depth-first topological sort over names in the given order.
func topoSort(names []string, graph map[string][]string) ([]string, error) {
	result := make([]string, 0, len(names))
	visited := make(map[string]bool)
	temp := make(map[string]bool)
	var path []string

	var visit func(string) error
	visit = func(node string) error {
		if temp[node] {
			start := slices.Index(path, node)
			cycle := append(slices.Clone(path[start:]), node)
			return &CircularDependencyError{Module: node, Path: cycle}
		}
		if visited[node] {
			return nil
		}
		temp[node] = true
		path = append(path, node)

		for _, dep := range graph[node] {
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		temp[node] = false
		visited[node] = true
		result = append(result, node)
		return nil
	}

	for _, node := range names {
		if !visited[node] {
			if err := visit(node); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// ModuleNames returns the names of modules in order.
func ModuleNames(modules []Module) []string {
	names := make([]string, len(modules))
	for i, m := range modules {
		names[i] = m.Name()
	}
	return names
}
