package generate

import (
	"fmt"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/terrain/quadtree"
)

// Stage is one step of a node's generation chain.
type Stage uint8

// Stages in dependency order.
const (
	StageHeights Stage = iota
	StageNormals
	StageAlbedo
	StagePackNormals
	StageDisplacements
	numStages
)

type stageSpec struct {
	name   string
	layer  gpu.Layer
	kernel gpu.Kernel
	// input is the node's own layer the stage reads. The heights stage
	// reads its parent's heights instead.
	input gpu.Layer
}

var stageTable = [numStages]stageSpec{
	StageHeights:       {name: "heights", layer: gpu.LayerHeights, kernel: gpu.KernelRefineHeights, input: gpu.LayerHeights},
	StageNormals:       {name: "normals", layer: gpu.LayerNormals, kernel: gpu.KernelNormals, input: gpu.LayerHeights},
	StageAlbedo:        {name: "albedo", layer: gpu.LayerAlbedo, kernel: gpu.KernelAlbedo, input: gpu.LayerHeights},
	StagePackNormals:   {name: "pack_normals", layer: gpu.LayerPackedNormals, kernel: gpu.KernelPackNormals, input: gpu.LayerNormals},
	StageDisplacements: {name: "displacements", layer: gpu.LayerDisplacements, kernel: gpu.KernelDisplacements, input: gpu.LayerHeights},
}

func (s Stage) String() string {
	if s < numStages {
		return stageTable[s].name
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// Layer returns the layer a stage writes.
func (s Stage) Layer() gpu.Layer {
	return stageTable[s].layer
}

// StageOf returns the stage that writes layer l.
func StageOf(l gpu.Layer) Stage {
	for s := Stage(0); s < numStages; s++ {
		if stageTable[s].layer == l {
			return s
		}
	}
	return numStages
}

// Stages returns every stage in dependency order.
func Stages() []Stage {
	out := make([]Stage, numStages)
	for i := range out {
		out[i] = Stage(i)
	}
	return out
}

// BaseLayerKey is the persistent store key of one layer of a node.
func BaseLayerKey(n quadtree.NodeID, l gpu.Layer) string {
	return fmt.Sprintf("%d/%d/%d_%d.%s", n.Face, n.Level, n.X, n.Y, l)
}
