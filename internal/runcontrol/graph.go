package runcontrol

import "strings"

// findCycle returns a dependency cycle reachable in edges, or nil. The
// returned path starts and ends on the same worker.
func findCycle(order []*Worker, edges func(*Worker) []*Worker) []*Worker {
	const (
		white = iota
		grey
		black
	)
	color := make(map[*Worker]int, len(order))
	var stack []*Worker
	var cycle []*Worker

	var visit func(w *Worker) bool
	visit = func(w *Worker) bool {
		color[w] = grey
		stack = append(stack, w)
		for _, dep := range edges(w) {
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]*Worker{}, stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[w] = black
		return false
	}

	for _, w := range order {
		if color[w] == white && visit(w) {
			return cycle
		}
	}
	return nil
}

func cyclePath(cycle []*Worker) string {
	names := make([]string, len(cycle))
	for i, w := range cycle {
		names[i] = w.name
	}
	return strings.Join(names, " -> ")
}
