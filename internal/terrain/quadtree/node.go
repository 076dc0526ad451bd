package quadtree

import "fmt"

// NumFaces is the number of cube faces mapped onto the sphere.
const NumFaces = 6

// MaxSupportedLevel bounds Level so that grid coordinates fit in uint32.
const MaxSupportedLevel = 30

// Face identifies one of the six cube faces.
type Face uint8

// Cube faces, named by the axis their outward normal points along.
const (
	FacePosX Face = iota
	FaceNegX
	FacePosY
	FaceNegY
	FacePosZ
	FaceNegZ
)

var faceNames = [NumFaces]string{"+x", "-x", "+y", "-y", "+z", "-z"}

func (f Face) String() string {
	if int(f) < NumFaces {
		return faceNames[f]
	}
	return fmt.Sprintf("face(%d)", uint8(f))
}

// NodeID identifies a square patch of one cube face at a subdivision level.
// Nodes are plain values: parent and child relations are computed from the
// coordinates, so the tree has no pointers and no ownership cycles.
type NodeID struct {
	Face  Face
	Level uint8
	X, Y  uint32
}

// Root returns the level-0 node of a face.
func Root(face Face) NodeID {
	return NodeID{Face: face}
}

// Roots returns the level-0 nodes of all faces in face order.
func Roots() []NodeID {
	roots := make([]NodeID, NumFaces)
	for f := range NumFaces {
		roots[f] = Root(Face(f))
	}
	return roots
}

// Valid reports whether the coordinates are inside the level's grid.
func (n NodeID) Valid() bool {
	if int(n.Face) >= NumFaces || n.Level > MaxSupportedLevel {
		return false
	}
	size := uint32(1) << n.Level
	return n.X < size && n.Y < size
}

// IsRoot reports whether n is a level-0 node.
func (n NodeID) IsRoot() bool {
	return n.Level == 0
}

// Parent returns the node one level up that contains n. ok is false for roots.
func (n NodeID) Parent() (parent NodeID, ok bool) {
	if n.Level == 0 {
		return NodeID{}, false
	}
	return NodeID{Face: n.Face, Level: n.Level - 1, X: n.X >> 1, Y: n.Y >> 1}, true
}

// Children returns the four nodes one level down, ordered
// (0,0), (1,0), (0,1), (1,1) in child-local coordinates.
func (n NodeID) Children() [4]NodeID {
	l := n.Level + 1
	x, y := n.X<<1, n.Y<<1
	return [4]NodeID{
		{Face: n.Face, Level: l, X: x, Y: y},
		{Face: n.Face, Level: l, X: x + 1, Y: y},
		{Face: n.Face, Level: l, X: x, Y: y + 1},
		{Face: n.Face, Level: l, X: x + 1, Y: y + 1},
	}
}

// Quadrant returns which quarter of its parent n occupies, as (0|1, 0|1).
func (n NodeID) Quadrant() (qx, qy uint32) {
	return n.X & 1, n.Y & 1
}

// Ancestor returns the ancestor of n at the given level. ok is false when
// level is deeper than n.
func (n NodeID) Ancestor(level uint8) (NodeID, bool) {
	if level > n.Level {
		return NodeID{}, false
	}
	shift := n.Level - level
	return NodeID{Face: n.Face, Level: level, X: n.X >> shift, Y: n.Y >> shift}, true
}

// Ancestors returns every ancestor of n from the root down to its parent.
func (n NodeID) Ancestors() []NodeID {
	out := make([]NodeID, 0, n.Level)
	for l := uint8(0); l < n.Level; l++ {
		a, _ := n.Ancestor(l)
		out = append(out, a)
	}
	return out
}

// IsAncestorOf reports whether n strictly contains other.
func (n NodeID) IsAncestorOf(other NodeID) bool {
	if n.Face != other.Face || n.Level >= other.Level {
		return false
	}
	a, _ := other.Ancestor(n.Level)
	return a == n
}

// Less orders nodes by level, face, row and column.
func (n NodeID) Less(other NodeID) bool {
	if n.Level != other.Level {
		return n.Level < other.Level
	}
	if n.Face != other.Face {
		return n.Face < other.Face
	}
	if n.Y != other.Y {
		return n.Y < other.Y
	}
	return n.X < other.X
}

func (n NodeID) String() string {
	return fmt.Sprintf("%s/%d/%d_%d", n.Face, n.Level, n.X, n.Y)
}
