package glcompute

import (
	"fmt"

	"github.com/go-gl/gl/v4.3-core/gl"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/gpu/glcompute/shaders"
)

// localSize matches local_size_x and local_size_y in common.glsl.
const localSize = 8

var kernelSources = map[gpu.Kernel]string{
	gpu.KernelRefineHeights: shaders.RefineHeights,
	gpu.KernelNormals:       shaders.Normals,
	gpu.KernelAlbedo:        shaders.Albedo,
	gpu.KernelPackNormals:   shaders.PackNormals,
	gpu.KernelDisplacements: shaders.Displacements,
}

// program is a linked compute program and its uniform locations.
type program struct {
	id       uint32
	uniforms map[string]int32
}

// compileProgram compiles and links one compute shader.
func compileProgram(k gpu.Kernel) (*program, error) {
	body, ok := kernelSources[k]
	if !ok {
		return nil, fmt.Errorf("no shader for %v", k)
	}

	shader := gl.CreateShader(gl.COMPUTE_SHADER)
	csource, free := gl.Strs(shaders.Compute(body) + "\x00")
	gl.ShaderSource(shader, 1, csource, nil)
	free()
	gl.CompileShader(shader)
	defer gl.DeleteShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLen int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLen)
		log := make([]byte, logLen+1)
		gl.GetShaderInfoLog(shader, logLen, nil, &log[0])
		return nil, fmt.Errorf("%v shader: %s", k, gl.GoStr(&log[0]))
	}

	id := gl.CreateProgram()
	gl.AttachShader(id, shader)
	gl.LinkProgram(id)

	gl.GetProgramiv(id, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLen int32
		gl.GetProgramiv(id, gl.INFO_LOG_LENGTH, &logLen)
		log := make([]byte, logLen+1)
		gl.GetProgramInfoLog(id, logLen, nil, &log[0])
		gl.DeleteProgram(id)
		return nil, fmt.Errorf("link %v: %s", k, gl.GoStr(&log[0]))
	}

	return &program{id: id, uniforms: make(map[string]int32)}, nil
}

// uniform returns the location of name, or -1 when the compiler dropped
// it. GL ignores writes to -1.
func (p *program) uniform(name string) int32 {
	if loc, ok := p.uniforms[name]; ok {
		return loc
	}
	loc := gl.GetUniformLocation(p.id, gl.Str(name+"\x00"))
	p.uniforms[name] = loc
	return loc
}

func (p *program) setInt(name string, v int32) {
	gl.Uniform1i(p.uniform(name), v)
}

func (p *program) setFloat(name string, v float64) {
	gl.Uniform1f(p.uniform(name), float32(v))
}

// setParams loads the per-planet constants. Uniforms keep their values
// for the life of the program.
func (p *program) setParams(params gpu.Params) {
	gl.UseProgram(p.id)
	p.setInt("u_seed", int32(params.NoiseSeed))
	p.setFloat("u_noiseMin", params.NoiseMin)
	p.setFloat("u_noiseMax", params.NoiseMax)
	p.setFloat("u_noiseSlopeGain", params.NoiseSlopeGain)
	p.setFloat("u_rockSlope", params.RockSlope)
	p.setFloat("u_ditherWidth", params.DitherWidth)
	p.setFloat("u_albedoRefine", params.AlbedoRefine)
	p.setFloat("u_datum", params.Datum)
}

func (p *program) destroy() {
	gl.DeleteProgram(p.id)
}

// workGroups returns how many groups cover n invocations along one axis.
func workGroups(n int) uint32 {
	return uint32((n + localSize - 1) / localSize)
}
