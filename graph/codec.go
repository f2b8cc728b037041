package graph

import (
	"encoding/json"
	"fmt"
	"slices"

	"rebaser/apperror"
	"rebaser/cas"
)

// SnapshotVersion is the version of the encoded snapshot document.
const SnapshotVersion = 1

type snapshotDoc struct {
	Version   int           `json:"version"`
	Root      ID            `json:"root"`
	Subgraphs []subgraphDoc `json:"subgraphs"`
}

type subgraphDoc struct {
	Root  ID        `json:"root"`
	Nodes []nodeDoc `json:"nodes"`
	Edges []Edge    `json:"edges"` // outgoing edges of this subgraph's nodes
}

type nodeDoc struct {
	Weight NodeWeight `json:"weight"`
	Merkle cas.Hash   `json:"merkle"`
}

// Encode serializes the graph deterministically and returns the bytes with
// their address. Equal graphs encode to equal bytes.
func (g *Graph) Encode() ([]byte, cas.Hash, error) {
	doc := snapshotDoc{Version: SnapshotVersion, Root: g.root}
	for _, root := range g.SubgraphRoots() {
		sg := g.subgraphs[root]
		sd := subgraphDoc{Root: root, Nodes: []nodeDoc{}, Edges: []Edge{}}
		ids := make([]ID, 0, len(sg.nodes))
		for id := range sg.nodes {
			ids = append(ids, id)
		}
		slices.SortFunc(ids, compareIDs)
		for _, id := range ids {
			n := sg.nodes[id]
			sd.Nodes = append(sd.Nodes, nodeDoc{Weight: n.weight, Merkle: n.merkle})
			sd.Edges = append(sd.Edges, sg.out[id]...)
		}
		doc.Subgraphs = append(doc.Subgraphs, sd)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, cas.ZeroHash, apperror.Serialization("encoding snapshot", err)
	}
	return data, cas.Sum(data), nil
}

// Decode rebuilds a graph from Encode output and checks it: weights
// validate, edges connect existing nodes, and stored Merkle hashes match a
// fresh computation.
func Decode(data []byte) (*Graph, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperror.Serialization("decoding snapshot", err)
	}
	if doc.Version != SnapshotVersion {
		return nil, apperror.Serialization(fmt.Sprintf("snapshot version %d", doc.Version), nil)
	}

	g := &Graph{root: doc.Root, subgraphs: make(map[ID]*subgraph, len(doc.Subgraphs))}
	for _, sd := range doc.Subgraphs {
		if _, dup := g.subgraphs[sd.Root]; dup {
			return nil, apperror.InvariantViolation("subgraph %s appears twice", sd.Root)
		}
		sg := newSubgraph(sd.Root)
		for _, nd := range sd.Nodes {
			if err := nd.Weight.Validate(); err != nil {
				return nil, err
			}
			if _, dup := sg.nodes[nd.Weight.ID]; dup || g.NodeExists(nd.Weight.ID) {
				return nil, apperror.InvariantViolation("node %s appears twice", nd.Weight.ID)
			}
			sg.nodes[nd.Weight.ID] = &nodeEntry{weight: nd.Weight, merkle: nd.Merkle}
		}
		g.subgraphs[sd.Root] = sg
	}

	rw, ok := g.NodeWeight(doc.Root)
	if !ok || rw.Kind != KindRoot {
		return nil, apperror.InvariantViolation("snapshot root %s is not a root node", doc.Root)
	}

	for _, sd := range doc.Subgraphs {
		for _, e := range sd.Edges {
			ssg, sn := g.locate(e.Source)
			tsg, tn := g.locate(e.Target)
			if sn == nil || tn == nil {
				return nil, apperror.GraphTraversal("edge %s has a missing endpoint", e)
			}
			if !e.Weight.Kind.Valid() {
				return nil, apperror.InvariantViolation("edge %s has unknown kind", e)
			}
			ssg.out[e.Source] = append(ssg.out[e.Source], e)
			tsg.in[e.Target] = append(tsg.in[e.Target], e)
		}
	}
	for _, sg := range g.subgraphs {
		for id := range sg.out {
			slices.SortFunc(sg.out[id], compareOut)
		}
		for id := range sg.in {
			slices.SortFunc(sg.in[id], compareIn)
		}
	}

	if id, ok := g.VerifyMerkle(); !ok {
		return nil, apperror.InvariantViolation("merkle hash of %s does not match its subtree", id)
	}
	return g, nil
}
