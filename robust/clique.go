package robust

import "sort"

// maxCliqueExpansions bounds the exact search. When exhausted, the best clique
// found so far is returned.
const maxCliqueExpansions = 1 << 20

// greedyStarts is the number of highest-degree vertices the greedy search
// seeds from
const greedyStarts = 32

// graph is an undirected consistency graph over correspondence indices
type graph struct {
	adj    [][]bool
	degree []int
}

func newGraph(n int) *graph {
	adj := make([][]bool, n)
	for i := range adj {
		adj[i] = make([]bool, n)
	}
	return &graph{adj: adj, degree: make([]int, n)}
}

func (g *graph) addEdge(i, j int) {
	if i == j || g.adj[i][j] {
		return
	}
	g.adj[i][j] = true
	g.adj[j][i] = true
	g.degree[i]++
	g.degree[j]++
}

func (g *graph) size() int { return len(g.adj) }

// byDegree returns vertex indices sorted by degree, highest first.
// Ties break on index so results are deterministic.
func (g *graph) byDegree() []int {
	order := make([]int, g.size())
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return g.degree[order[a]] > g.degree[order[b]]
	})
	return order
}

// maxClique returns a maximum clique, sorted ascending. Graphs up to
// exactLimit vertices are searched exhaustively (branch and bound);
// larger graphs use a greedy heuristic.
func (g *graph) maxClique(exactLimit int) []int {
	if g.size() == 0 {
		return nil
	}

	var clique []int
	if g.size() <= exactLimit {
		clique = g.exactMaxClique()
	} else {
		clique = g.greedyMaxClique()
	}
	sort.Ints(clique)
	return clique
}

type cliqueSearch struct {
	g          *graph
	best       []int
	expansions int
}

func (g *graph) exactMaxClique() []int {
	s := &cliqueSearch{g: g}
	s.expand(nil, g.byDegree())
	return s.best
}

func (s *cliqueSearch) expand(current, candidates []int) {
	if len(current) > len(s.best) {
		s.best = append([]int(nil), current...)
	}
	for i, v := range candidates {
		if len(current)+len(candidates)-i <= len(s.best) {
			return
		}
		s.expansions++
		if s.expansions > maxCliqueExpansions {
			return
		}

		next := make([]int, 0, len(candidates)-i-1)
		for _, w := range candidates[i+1:] {
			if s.g.adj[v][w] {
				next = append(next, w)
			}
		}
		s.expand(append(current, v), next)
	}
}

func (g *graph) greedyMaxClique() []int {
	order := g.byDegree()
	starts := order
	if len(starts) > greedyStarts {
		starts = starts[:greedyStarts]
	}

	var best []int
	for _, start := range starts {
		if g.degree[start]+1 <= len(best) {
			break
		}
		clique := []int{start}
		for _, v := range order {
			if v == start {
				continue
			}
			ok := true
			for _, u := range clique {
				if !g.adj[u][v] {
					ok = false
					break
				}
			}
			if ok {
				clique = append(clique, v)
			}
		}
		if len(clique) > len(best) {
			best = clique
		}
	}
	return best
}
