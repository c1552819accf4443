package fairsim

// routes.go computes hop-count shortest paths through a Network with the gonum
// graph packages.  Every link is an undirected edge of weight 1.
//
// Without ECMP every flow from src to dst takes the same path, read from a
// shortest-path tree rooted at src (trees are cached per source).  With ECMP the
// set of all equal-cost paths is computed once for the whole graph and each flow
// draws one of the candidates from the network's random stream.

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// Routes answers path queries over one topology
type Routes struct {
	connGraph *simple.WeightedUndirectedGraph
	gNodes    map[int]simple.Node
	cachedSP  map[int]path.Shortest
	allPaths  *path.AllShortest
}

// createRoutes builds the connection graph from a node id and the ids it links to
func createRoutes(edges map[int][]int) *Routes {
	rts := &Routes{gNodes: make(map[int]simple.Node), cachedSP: make(map[int]path.Shortest)}
	rts.connGraph = simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for nodeID := range edges {
		rts.gNodes[nodeID] = simple.Node(nodeID)
		rts.connGraph.AddNode(rts.gNodes[nodeID])
	}
	for nodeID, edgeList := range edges {
		for _, nbrID := range edgeList {
			if _, present := rts.gNodes[nbrID]; !present {
				rts.gNodes[nbrID] = simple.Node(nbrID)
			}
			rts.connGraph.SetWeightedEdge(simple.WeightedEdge{F: rts.gNodes[nodeID], T: rts.gNodes[nbrID], W: 1.0})
		}
	}
	return rts
}

// getSPTree returns the shortest-path tree rooted at from, computing it on first use
func (rts *Routes) getSPTree(from int) path.Shortest {
	spTree, present := rts.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(rts.gNodes[from], rts.connGraph)
	rts.cachedSP[from] = spTree
	return spTree
}

// convertNodeSeq extracts node ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []int {
	rtn := make([]int, 0, len(nsQ))
	for _, node := range nsQ {
		rtn = append(rtn, int(node.ID()))
	}
	return rtn
}

// ShortestPath returns the node ids of one minimum-hop path from src to dst, inclusive
func (rts *Routes) ShortestPath(src, dst int) ([]int, error) {
	if _, present := rts.gNodes[src]; !present {
		return nil, fmt.Errorf("node %d not in the routing graph", src)
	}
	if _, present := rts.gNodes[dst]; !present {
		return nil, fmt.Errorf("node %d not in the routing graph", dst)
	}
	spTree := rts.getSPTree(src)
	nodes, weight := spTree.To(int64(dst))
	if len(nodes) == 0 || math.IsInf(weight, 1) {
		return nil, fmt.Errorf("no route from %d to %d", src, dst)
	}
	return convertNodeSeq(nodes), nil
}

// EqualCostPaths returns every minimum-hop path from src to dst, in a fixed order
func (rts *Routes) EqualCostPaths(src, dst int) ([][]int, error) {
	if rts.allPaths == nil {
		allPaths := path.DijkstraAllPaths(rts.connGraph)
		rts.allPaths = &allPaths
	}
	gpaths, weight := rts.allPaths.AllBetween(int64(src), int64(dst))
	if len(gpaths) == 0 || math.IsInf(weight, 1) {
		return nil, fmt.Errorf("no route from %d to %d", src, dst)
	}
	paths := make([][]int, 0, len(gpaths))
	for _, gpath := range gpaths {
		paths = append(paths, convertNodeSeq(gpath))
	}
	// the order of AllBetween is not guaranteed, a sorted order keeps draws repeatable
	slices.SortFunc(paths, func(a, b []int) int {
		return slices.Compare(a, b)
	})
	return paths, nil
}

// ShowPath lists the names of the nodes on a path
func ShowPath(nodeIDs []int, idToName func(int) string) string {
	names := make([]string, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		names = append(names, idToName(id))
	}
	return strings.Join(names, ",")
}
