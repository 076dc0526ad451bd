package quadtree

import "testing"

func TestNodeParentChildren(t *testing.T) {
	n := NodeID{Face: FaceNegY, Level: 3, X: 5, Y: 2}
	for i, c := range n.Children() {
		if !c.Valid() {
			t.Fatalf("child %d %v is not valid", i, c)
		}
		p, ok := c.Parent()
		if !ok || p != n {
			t.Errorf("child %d parent = %v, %v, want %v", i, p, ok, n)
		}
		qx, qy := c.Quadrant()
		if qx != uint32(i&1) || qy != uint32(i>>1) {
			t.Errorf("child %d quadrant = (%d,%d)", i, qx, qy)
		}
	}

	if _, ok := Root(FacePosZ).Parent(); ok {
		t.Error("root should have no parent")
	}
}

func TestNodeValid(t *testing.T) {
	tests := []struct {
		name string
		n    NodeID
		want bool
	}{
		{"root", Root(FaceNegZ), true},
		{"edge", NodeID{Face: FacePosX, Level: 2, X: 3, Y: 3}, true},
		{"x out of range", NodeID{Face: FacePosX, Level: 2, X: 4}, false},
		{"bad face", NodeID{Face: 6}, false},
		{"too deep", NodeID{Level: MaxSupportedLevel + 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.n.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNodeAncestors(t *testing.T) {
	n := NodeID{Face: FacePosY, Level: 4, X: 11, Y: 6}
	anc := n.Ancestors()
	if len(anc) != 4 {
		t.Fatalf("len(Ancestors()) = %d, want 4", len(anc))
	}
	if anc[0] != Root(FacePosY) {
		t.Errorf("first ancestor = %v, want root", anc[0])
	}
	for i, a := range anc {
		if int(a.Level) != i {
			t.Errorf("ancestor %d has level %d", i, a.Level)
		}
		if !a.IsAncestorOf(n) {
			t.Errorf("%v should be an ancestor of %v", a, n)
		}
	}
	if p, _ := n.Parent(); anc[3] != p {
		t.Errorf("last ancestor = %v, want parent %v", anc[3], p)
	}

	if n.IsAncestorOf(n) {
		t.Error("a node is not its own ancestor")
	}
	if Root(FacePosX).IsAncestorOf(n) {
		t.Error("nodes on different faces are unrelated")
	}
}

func TestNodeLess(t *testing.T) {
	a := NodeID{Face: FaceNegZ, Level: 1, X: 1, Y: 1}
	b := NodeID{Face: FacePosX, Level: 2}
	if !a.Less(b) || b.Less(a) {
		t.Error("lower levels sort first")
	}
	c := NodeID{Face: FaceNegZ, Level: 1, X: 0, Y: 1}
	if !c.Less(a) {
		t.Error("same row sorts by column")
	}
}

func TestNodeString(t *testing.T) {
	n := NodeID{Face: FaceNegX, Level: 7, X: 12, Y: 99}
	if got := n.String(); got != "-x/7/12_99" {
		t.Errorf("String() = %q", got)
	}
}
