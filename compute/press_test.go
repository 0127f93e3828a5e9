// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package compute

import (
	"encoding/binary"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/devblok/portal/device"
	"github.com/devblok/portal/foundry"
	"github.com/devblok/portal/journal"
	"github.com/devblok/portal/spirv"
)

func barePress() *Press {
	return &Press{
		log:       journal.New("compute"),
		pipelines: make(map[PipelineID]*pipeline),
	}
}

func TestGroupBindings(t *testing.T) {
	c := qt.New(t)

	groups := GroupBindings([]spirv.Binding{
		{Set: 1, Binding: 0, Type: spirv.DescriptorUniformBuffer},
		{Set: 0, Binding: 0, Type: spirv.DescriptorStorageBuffer},
		{Set: 0, Binding: 1, Type: spirv.DescriptorStorageBuffer},
	})

	c.Assert(groups, qt.HasLen, 2)
	c.Assert(groups[0], qt.HasLen, 2)
	c.Assert(groups[0][0].Type, qt.Equals, spirv.DescriptorStorageBuffer)
	c.Assert(groups[1], qt.HasLen, 1)
	c.Assert(groups[1][0].Type, qt.Equals, spirv.DescriptorUniformBuffer)
}

func TestGroupBindingsGaps(t *testing.T) {
	c := qt.New(t)

	// A binding only at set 2 leaves sets 0 and 1 as empty groups so
	// group position equals set index.
	groups := GroupBindings([]spirv.Binding{
		{Set: 2, Binding: 0, Type: spirv.DescriptorStorageImage},
	})
	c.Assert(groups, qt.HasLen, 3)
	c.Assert(groups[0], qt.HasLen, 0)
	c.Assert(groups[1], qt.HasLen, 0)
	c.Assert(groups[2], qt.HasLen, 1)
}

func TestGroupBindingsEmpty(t *testing.T) {
	c := qt.New(t)
	c.Assert(GroupBindings(nil), qt.IsNil)
}

func TestUnknownPipelineIsLoggedNoOp(t *testing.T) {
	p := barePress()

	cases := []struct {
		name string
		call func()
	}{
		{"BindPipeline", func() { p.BindPipeline(1, 99) }},
		{"BindDescriptorSets", func() { p.BindDescriptorSets(1, 99, 0, 1) }},
		{"PushConstants", func() { p.PushConstants(1, 99, []byte{0}) }},
		{"AllocateDescriptors", func() { p.AllocatePipelineDescriptors(99) }},
		{"DestroyPipeline", func() { p.DestroyPipeline(99) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			journal.ResetErrorCount()
			tc.call()
			if got := journal.ErrorCount(); got != 1 {
				t.Errorf("expected exactly one logged error, got %d", got)
			}
		})
	}
}

func TestUnknownPipelineLookups(t *testing.T) {
	c := qt.New(t)
	p := barePress()

	c.Assert(p.PushConstantSize(99), qt.Equals, uint32(0))
	c.Assert(p.DescriptorSetLayouts(99), qt.IsNil)
}

// TestComputeScenario runs the full path: compile a kernel with one
// storage buffer binding and a 16 byte push range, auto derive the
// pipeline, bind a 64 byte buffer and dispatch once.
func TestComputeScenario(t *testing.T) {
	dev, err := device.New(device.Config{AppName: "compute-test"})
	if err != nil {
		t.Skipf("no vulkan device: %v", err)
	}
	defer dev.Destroy()

	f, err := foundry.New(dev, foundry.DefaultCompilerConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Shutdown()

	const kernel = `#version 450
layout(local_size_x = 64) in;
layout(set = 0, binding = 0) buffer Data { float values[]; };
layout(push_constant) uniform Push { vec4 factor; };
void main() {
	values[gl_GlobalInvocationID.x] *= factor.x;
}
`
	shader := f.LoadShader(kernel, spirv.StageCompute, "")
	if shader == 0 {
		t.Skip("no GLSL compiler on host")
	}

	info := f.ShaderReflection(shader)
	if len(info.Bindings) != 1 || info.PushConstantRanges[0].Size != 16 {
		t.Fatalf("unexpected reflection: %+v", info)
	}

	press, err := NewPress(f)
	if err != nil {
		t.Fatal(err)
	}
	defer press.Shutdown()

	journal.ResetErrorCount()
	pipe := press.CreatePipelineAuto(shader, 0)
	if pipe == 0 {
		t.Fatal("auto pipeline creation failed")
	}
	if got := press.PushConstantSize(pipe); got != 16 {
		t.Errorf("push constant size %d, want 16", got)
	}

	sets := press.AllocatePipelineDescriptors(pipe)
	if len(sets) != 1 {
		t.Fatalf("expected 1 descriptor set, got %d", len(sets))
	}

	buffer, memory := makeStorageBuffer(t, dev, 64)
	defer freeStorageBuffer(dev, buffer, memory)
	f.UpdateDescriptorBuffer(sets[0], 0, spirv.DescriptorStorageBuffer, buffer, 0, 64)

	factor := make([]byte, 16)
	binary.LittleEndian.PutUint32(factor, 0x40000000) // 2.0f

	cmd := f.BeginCommands(foundry.CommandCompute)
	press.BindAll(cmd, pipe, factor, sets[0])
	press.Dispatch(cmd, 1, 1, 1)
	f.SubmitAndWait(cmd)

	if got := journal.ErrorCount(); got != 0 {
		t.Errorf("scenario logged %d errors", got)
	}
}
