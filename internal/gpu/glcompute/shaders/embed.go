// Package shaders provides embedded GLSL compute shader sources.
package shaders

import _ "embed"

// Common is prepended to every kernel. It carries the version directive,
// the work group size and the uniforms and noise shared by all kernels.
//
//go:embed common.glsl
var Common string

// RefineHeights derives a child heightmap from its parent's.
//
//go:embed refine_heights.comp
var RefineHeights string

// Normals computes tangent-space normals from a heightmap.
//
//go:embed normals.comp
var Normals string

// Albedo classifies rock and grass by slope.
//
//go:embed albedo.comp
var Albedo string

// PackNormals compresses a normal map into 4x4 blocks.
//
//go:embed pack_normals.comp
var PackNormals string

// Displacements samples heights at the mesh grid.
//
//go:embed displacements.comp
var Displacements string

// Compute returns the full source of a kernel body.
func Compute(body string) string {
	return Common + "\n" + body
}
