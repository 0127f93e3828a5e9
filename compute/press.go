// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package compute builds compute pipelines and records dispatches.
// A Press owns the pipelines it creates, including their descriptor
// set layouts; destroying a pipeline releases all of them. Everything
// else, shaders, descriptor sets and command buffers, belongs to the
// foundry the Press was created on.
package compute

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/foundry"
	"github.com/devblok/portal/journal"
	"github.com/devblok/portal/spirv"
)

// PipelineID identifies a compute pipeline. Zero is invalid.
type PipelineID uint64

// Press is the compute pipeline factory and dispatch recorder.
type Press struct {
	f   *foundry.Foundry
	log *journal.Logger

	next uint64

	mu        sync.Mutex
	pipelines map[PipelineID]*pipeline
}

type pipeline struct {
	shader     foundry.ShaderID
	setLayouts []vk.DescriptorSetLayout
	layout     vk.PipelineLayout
	handle     vk.Pipeline
	pushSize   uint32
}

// NewPress creates a Press on the given foundry.
func NewPress(f *foundry.Foundry) (*Press, error) {
	if f == nil {
		return nil, errors.New("compute: foundry is nil")
	}
	return &Press{
		f:         f,
		log:       journal.New("compute"),
		pipelines: make(map[PipelineID]*pipeline),
	}, nil
}

// CreatePipeline builds a compute pipeline from a compute stage
// shader, one descriptor set layout per supplied binding group and
// an optional push constant range. The created layouts are owned by
// the pipeline and destroyed with it. Returns 0 on failure.
func (p *Press) CreatePipeline(shader foundry.ShaderID, groups [][]foundry.LayoutBinding, pushConstantSize uint32) PipelineID {
	if stage := p.f.ShaderStage(shader); stage != spirv.StageCompute {
		p.log.Errorf(journal.ContextCompute, "create pipeline: shader %d has stage %s, want compute", shader, stage)
		return 0
	}

	setLayouts := make([]vk.DescriptorSetLayout, 0, len(groups))
	cleanup := func() {
		for _, layout := range setLayouts {
			p.f.DestroySetLayout(layout)
		}
	}
	for _, group := range groups {
		for i := range group {
			if group[i].Stages == 0 {
				group[i].Stages = vk.ShaderStageFlags(vk.ShaderStageComputeBit)
			}
		}
		layout, err := p.f.NewSetLayout(group)
		if err != nil {
			p.log.Errorf(journal.ContextCompute, "create pipeline: %s", err.Error())
			cleanup()
			return 0
		}
		setLayouts = append(setLayouts, layout)
	}

	layoutInfo := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(setLayouts)),
		PSetLayouts:    setLayouts,
	}
	if pushConstantSize > 0 {
		layoutInfo.PushConstantRangeCount = 1
		layoutInfo.PPushConstantRanges = []vk.PushConstantRange{{
			StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit),
			Offset:     0,
			Size:       pushConstantSize,
		}}
	}

	var pipelineLayout vk.PipelineLayout
	ret := vk.CreatePipelineLayout(p.f.Device().VK(), &layoutInfo, nil, &pipelineLayout)
	if err := vk.Error(ret); err != nil {
		p.log.Errorf(journal.ContextCompute, "vk.CreatePipelineLayout(): %s", err.Error())
		cleanup()
		return 0
	}

	entryPoint := p.f.ShaderEntryPoint(shader)
	handles := make([]vk.Pipeline, 1)
	ret = vk.CreateComputePipelines(p.f.Device().VK(), vk.NullPipelineCache, 1, []vk.ComputePipelineCreateInfo{{
		SType: vk.StructureTypeComputePipelineCreateInfo,
		Stage: vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageComputeBit,
			Module: p.f.ShaderModule(shader),
			PName:  entryPoint + "\x00",
		},
		Layout: pipelineLayout,
	}}, nil, handles)
	if err := vk.Error(ret); err != nil {
		p.log.Errorf(journal.ContextCompute, "vk.CreateComputePipelines(): %s", err.Error())
		vk.DestroyPipelineLayout(p.f.Device().VK(), pipelineLayout, nil)
		cleanup()
		return 0
	}

	id := PipelineID(atomic.AddUint64(&p.next, 1))
	p.mu.Lock()
	p.pipelines[id] = &pipeline{
		shader:     shader,
		setLayouts: setLayouts,
		layout:     pipelineLayout,
		handle:     handles[0],
		pushSize:   pushConstantSize,
	}
	p.mu.Unlock()
	return id
}

// CreatePipelineAuto derives the binding groups from the shader's
// reflection, grouped by ascending set index. A zero push constant
// size adopts the first reflected range.
func (p *Press) CreatePipelineAuto(shader foundry.ShaderID, pushConstantSize uint32) PipelineID {
	info := p.f.ShaderReflection(shader)
	groups := GroupBindings(info.Bindings)
	if pushConstantSize == 0 && len(info.PushConstantRanges) > 0 {
		pushConstantSize = info.PushConstantRanges[0].Size
	}
	return p.CreatePipeline(shader, groups, pushConstantSize)
}

// GroupBindings arranges reflected bindings into one group per set
// index, ordered by ascending set. Gaps between set indices produce
// empty groups so group position equals set index.
func GroupBindings(bindings []spirv.Binding) [][]foundry.LayoutBinding {
	var maxSet uint32
	hasAny := false
	for _, b := range bindings {
		hasAny = true
		if b.Set > maxSet {
			maxSet = b.Set
		}
	}
	if !hasAny {
		return nil
	}

	groups := make([][]foundry.LayoutBinding, maxSet+1)
	for _, b := range bindings {
		groups[b.Set] = append(groups[b.Set], foundry.LayoutBinding{
			Binding: b.Binding,
			Type:    b.Type,
		})
	}
	return groups
}

// recording resolves a pipeline and an actively recording command
// buffer, logging and returning nils otherwise.
func (p *Press) recording(cmd foundry.CommandBufferID, id PipelineID) (vk.CommandBuffer, *pipeline) {
	p.mu.Lock()
	pl, ok := p.pipelines[id]
	p.mu.Unlock()
	if !ok {
		p.log.Errorf(journal.ContextCompute, "unknown compute pipeline %d", id)
		return nil, nil
	}
	handle := p.activeBuffer(cmd)
	if handle == nil {
		return nil, nil
	}
	return handle, pl
}

func (p *Press) activeBuffer(cmd foundry.CommandBufferID) vk.CommandBuffer {
	if !p.f.IsCommandBufferActive(cmd) {
		p.log.Errorf(journal.ContextCompute, "command buffer %d is not recording", cmd)
		return nil
	}
	return p.f.GetCommandBuffer(cmd)
}

// BindPipeline records a compute pipeline bind.
func (p *Press) BindPipeline(cmd foundry.CommandBufferID, id PipelineID) {
	handle, pl := p.recording(cmd, id)
	if pl == nil {
		return
	}
	vk.CmdBindPipeline(handle, vk.PipelineBindPointCompute, pl.handle)
}

// BindDescriptorSets binds descriptor sets starting at firstSet.
func (p *Press) BindDescriptorSets(cmd foundry.CommandBufferID, id PipelineID, firstSet uint32, sets ...foundry.DescriptorSetID) {
	handle, pl := p.recording(cmd, id)
	if pl == nil {
		return
	}

	vkSets := make([]vk.DescriptorSet, len(sets))
	for i, set := range sets {
		vkSets[i] = p.f.DescriptorSet(set)
		if vkSets[i] == vk.NullDescriptorSet {
			p.log.Errorf(journal.ContextCompute, "bind: unknown descriptor set %d", set)
			return
		}
	}
	vk.CmdBindDescriptorSets(handle, vk.PipelineBindPointCompute, pl.layout,
		firstSet, uint32(len(vkSets)), vkSets, 0, nil)
}

// PushConstants records a push constant update. The data length must
// not exceed the pipeline's declared range.
func (p *Press) PushConstants(cmd foundry.CommandBufferID, id PipelineID, data []byte) {
	handle, pl := p.recording(cmd, id)
	if pl == nil {
		return
	}
	if uint32(len(data)) > pl.pushSize {
		p.log.Errorf(journal.ContextCompute, "push constants: %d bytes exceed declared size %d", len(data), pl.pushSize)
		return
	}
	if len(data) == 0 {
		return
	}
	vk.CmdPushConstants(handle, pl.layout, vk.ShaderStageFlags(vk.ShaderStageComputeBit),
		0, uint32(len(data)), unsafe.Pointer(&data[0]))
}

// BindAll composes BindPipeline, BindDescriptorSets from set 0 and,
// when data is non-empty, PushConstants.
func (p *Press) BindAll(cmd foundry.CommandBufferID, id PipelineID, data []byte, sets ...foundry.DescriptorSetID) {
	p.BindPipeline(cmd, id)
	if len(sets) > 0 {
		p.BindDescriptorSets(cmd, id, 0, sets...)
	}
	if len(data) > 0 {
		p.PushConstants(cmd, id, data)
	}
}

// Dispatch records a direct dispatch of x*y*z workgroups.
func (p *Press) Dispatch(cmd foundry.CommandBufferID, x, y, z uint32) {
	handle := p.activeBuffer(cmd)
	if handle == nil {
		return
	}
	vk.CmdDispatch(handle, x, y, z)
}

// DispatchIndirect records a dispatch whose workgroup counts are
// read from a buffer at submission time.
func (p *Press) DispatchIndirect(cmd foundry.CommandBufferID, buffer vk.Buffer, offset vk.DeviceSize) {
	handle := p.activeBuffer(cmd)
	if handle == nil {
		return
	}
	vk.CmdDispatchIndirect(handle, buffer, offset)
}

// AllocatePipelineDescriptors allocates one descriptor set per layout
// the pipeline declares, in declaration order. Callers update the
// returned sets with actual resources before binding them.
func (p *Press) AllocatePipelineDescriptors(id PipelineID) []foundry.DescriptorSetID {
	p.mu.Lock()
	pl, ok := p.pipelines[id]
	p.mu.Unlock()
	if !ok {
		p.log.Errorf(journal.ContextCompute, "allocate descriptors: unknown compute pipeline %d", id)
		return nil
	}

	sets := make([]foundry.DescriptorSetID, 0, len(pl.setLayouts))
	for _, layout := range pl.setLayouts {
		set := p.f.AllocateDescriptorSet(layout)
		if set == 0 {
			return sets
		}
		sets = append(sets, set)
	}
	return sets
}

// DescriptorSetLayouts exposes the pipeline's layouts for
// consistency checks; nil for unknown pipelines.
func (p *Press) DescriptorSetLayouts(id PipelineID) []vk.DescriptorSetLayout {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pl, ok := p.pipelines[id]; ok {
		return append([]vk.DescriptorSetLayout{}, pl.setLayouts...)
	}
	return nil
}

// PushConstantSize returns the declared push constant size, 0 when
// the pipeline is unknown.
func (p *Press) PushConstantSize(id PipelineID) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pl, ok := p.pipelines[id]; ok {
		return pl.pushSize
	}
	return 0
}

// DestroyPipeline releases the pipeline, its layout and the set
// layouts it created. The identifier is never reused.
func (p *Press) DestroyPipeline(id PipelineID) {
	p.mu.Lock()
	pl, ok := p.pipelines[id]
	if ok {
		delete(p.pipelines, id)
	}
	p.mu.Unlock()
	if !ok {
		p.log.Errorf(journal.ContextCompute, "destroy: unknown compute pipeline %d", id)
		return
	}
	p.destroy(pl)
}

// Shutdown destroys every pipeline the press still owns.
func (p *Press) Shutdown() {
	p.mu.Lock()
	pipelines := p.pipelines
	p.pipelines = make(map[PipelineID]*pipeline)
	p.mu.Unlock()

	for _, pl := range pipelines {
		p.destroy(pl)
	}
}

func (p *Press) destroy(pl *pipeline) {
	dev := p.f.Device().VK()
	vk.DestroyPipeline(dev, pl.handle, nil)
	vk.DestroyPipelineLayout(dev, pl.layout, nil)
	for _, layout := range pl.setLayouts {
		p.f.DestroySetLayout(layout)
	}
}
