package terrain

import (
	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/terrain/quadtree"
	"github.com/Faultbox/terra/internal/terrain/tilecache"
)

// RenderNode is one node the renderer draws this frame.
type RenderNode struct {
	Node        quadtree.NodeID
	MinDistance float64
	Morph       float64
	// Slots are the node's own layers. ParentSlots are the parent's, for
	// morphing towards its geometry; NoSlot for roots and for parent layers
	// that are not valid.
	Slots       [gpu.NumLayers]gpu.SlotRef
	ParentSlots [gpu.NumLayers]gpu.SlotRef
	// Fallback is set when the node stands in for descendants that are not
	// ready yet.
	Fallback bool
}

// renderList covers the selection with ready nodes. An active node renders
// if it is ready. An ancestor renders in place of its children unless all of
// them are covered, so missing data falls back to the nearest ready
// ancestor and no area is drawn twice.
func (t *Terrain) renderList(sel *quadtree.Selection) []RenderNode {
	var out []RenderNode
	for _, root := range quadtree.Roots() {
		out, _ = t.cover(sel, root, out)
	}
	return out
}

func (t *Terrain) cover(sel *quadtree.Selection, n quadtree.NodeID, out []RenderNode) ([]RenderNode, bool) {
	req, ok := sel.Lookup(n)
	if !ok {
		return out, false
	}
	h, resident := t.cache.Lookup(n)
	ready := resident && h.Ready()

	if !req.Ancestor {
		if !ready {
			return out, false
		}
		return append(out, t.renderNode(req, h, false)), true
	}

	mark := len(out)
	covered := true
	for _, c := range n.Children() {
		var ok bool
		out, ok = t.cover(sel, c, out)
		covered = covered && ok
	}
	if covered {
		return out, true
	}
	if ready {
		return append(out[:mark], t.renderNode(req, h, true)), true
	}
	return out, false
}

func (t *Terrain) renderNode(req quadtree.Requirement, h tilecache.Handle, fallback bool) RenderNode {
	rn := RenderNode{
		Node:        req.Node,
		MinDistance: req.MinDistance,
		Morph:       t.tree.Morph(req.Distance, req.MinDistance),
		Slots:       h.Slots,
		Fallback:    fallback,
	}
	for i := range rn.ParentSlots {
		rn.ParentSlots[i] = gpu.NoSlot
	}
	if p, ok := req.Node.Parent(); ok {
		if ph, resident := t.cache.Lookup(p); resident {
			for l, ref := range ph.Slots {
				if ph.Valid[l] {
					rn.ParentSlots[l] = ref
				}
			}
		}
	}
	return rn
}
