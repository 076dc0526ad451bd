package quadtree

import "github.com/Faultbox/terra/pkg/math"

// ActiveNode is a node selected for rendering this frame.
type ActiveNode struct {
	Node        NodeID
	Distance    float64
	MinDistance float64
	Morph       float64
}

// Requirement is a node that must be resident this frame: an active node or
// one of its ancestors.
type Requirement struct {
	Node        NodeID
	Distance    float64
	MinDistance float64
	// Ancestor is set for nodes that were subdivided and are kept resident
	// for morphing and for generating their descendants.
	Ancestor bool
}

// Ratio is the node's distance relative to its subdivision threshold.
func (r Requirement) Ratio() float64 {
	if r.MinDistance <= 0 {
		return 0
	}
	return r.Distance / r.MinDistance
}

// Selection is the result of one LOD selection pass.
type Selection struct {
	// Active nodes in depth-first face order.
	Active []ActiveNode
	// Required nodes in depth-first order, so every parent precedes its children.
	Required []Requirement

	index map[NodeID]int
}

// Lookup returns the requirement entry for n.
func (s *Selection) Lookup(n NodeID) (Requirement, bool) {
	i, ok := s.index[n]
	if !ok {
		return Requirement{}, false
	}
	return s.Required[i], true
}

// Contains reports whether n is required this frame.
func (s *Selection) Contains(n NodeID) bool {
	_, ok := s.index[n]
	return ok
}

// IsActive reports whether n was selected for rendering.
func (s *Selection) IsActive(n NodeID) bool {
	r, ok := s.Lookup(n)
	return ok && !r.Ancestor
}

// Nodes returns the required node ids in order.
func (s *Selection) Nodes() []NodeID {
	out := make([]NodeID, len(s.Required))
	for i, r := range s.Required {
		out[i] = r.Node
	}
	return out
}

// Select walks all six faces from their roots and returns the active set for
// a planet-centred camera position. The result depends only on the camera and
// the tree's configuration.
func (t *QuadTree) Select(camera math.Vec3) *Selection {
	s := &Selection{index: make(map[NodeID]int)}
	p := t.CameraPoint(camera)
	for _, root := range Roots() {
		t.visit(s, root, p)
	}
	return s
}

func (t *QuadTree) visit(s *Selection, n NodeID, p math.Vec3) {
	d := t.Distance(n, p)
	minDist := t.MinDistance(n.Level)
	subdivide := d < minDist && n.Level < t.cfg.MaxLevel

	s.index[n] = len(s.Required)
	s.Required = append(s.Required, Requirement{
		Node:        n,
		Distance:    d,
		MinDistance: minDist,
		Ancestor:    subdivide,
	})

	if !subdivide {
		s.Active = append(s.Active, ActiveNode{
			Node:        n,
			Distance:    d,
			MinDistance: minDist,
			Morph:       t.Morph(d, minDist),
		})
		return
	}
	for _, c := range n.Children() {
		t.visit(s, c, p)
	}
}
