package tilecache

import (
	"fmt"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/terrain/quadtree"
)

// State is a node's generation progress.
type State uint8

// Generation states. A node moves forward through these as its layers are
// generated and falls back when a layer slot is evicted. Evicting its heights
// slot returns it to StateEmpty.
const (
	StateEmpty State = iota
	StateHeightPending
	StateHeightReady
	StateNormalsAndAlbedoPending
	StateReady
)

var stateNames = []string{"empty", "height_pending", "height_ready", "normals_albedo_pending", "ready"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Slot is one entry of a layer's slot table.
type Slot struct {
	Owner    quadtree.NodeID
	Occupied bool
	// Valid is set once the owner's data for this layer has been submitted.
	Valid bool
	State State
	// LastUsed is the frame the owner was last required.
	LastUsed uint64
	// Generation is bumped every time the slot changes owner, so work queued
	// for a previous owner can be recognised and dropped.
	Generation uint64
	// Fence is the last submission that wrote this slot.
	Fence gpu.Submission
	// queued marks a heights slot whose node has a generation request outstanding.
	queued bool
}

// Handle describes a node's residency.
type Handle struct {
	Node quadtree.NodeID
	// Generation of the node's heights slot. Zero when not resident.
	Generation uint64
	State      State
	// Slots per layer; gpu.NoSlot where the node holds none.
	Slots [gpu.NumLayers]gpu.SlotRef
	// Valid per layer, mirroring Slot.Valid.
	Valid [gpu.NumLayers]bool
}

// Ready reports whether every layer the node needs is generated.
func (h Handle) Ready() bool {
	return h.State == StateReady
}

// Slot returns the node's slot in layer l.
func (h Handle) Slot(l gpu.Layer) gpu.SlotRef {
	return h.Slots[l]
}

func emptyHandle(n quadtree.NodeID) Handle {
	h := Handle{Node: n}
	for i := range h.Slots {
		h.Slots[i] = gpu.NoSlot
	}
	return h
}
