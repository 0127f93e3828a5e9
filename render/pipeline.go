// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package render

import (
	"fmt"
	"sync/atomic"

	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/foundry"
	"github.com/devblok/portal/journal"
	"github.com/devblok/portal/spirv"
	"github.com/devblok/portal/vertex"
)

// PipelineID identifies a graphics pipeline. Zero is invalid.
type PipelineID uint64

// Rasterization bundles the fixed function raster state.
type Rasterization struct {
	PolygonMode vk.PolygonMode
	CullMode    vk.CullModeFlagBits
	FrontFace   vk.FrontFace
	LineWidth   float32
	DepthClamp  bool
	DepthBias   bool
}

// DepthStencil bundles depth test configuration.
type DepthStencil struct {
	TestEnable  bool
	WriteEnable bool
	Compare     vk.CompareOp
}

// BlendAttachment is per color attachment blend state.
type BlendAttachment struct {
	Enable   bool
	SrcColor vk.BlendFactor
	DstColor vk.BlendFactor
	ColorOp  vk.BlendOp
	SrcAlpha vk.BlendFactor
	DstAlpha vk.BlendFactor
	AlphaOp  vk.BlendOp
}

// AlphaBlend is the standard source over blend preset.
func AlphaBlend() BlendAttachment {
	return BlendAttachment{
		Enable:   true,
		SrcColor: vk.BlendFactorSrcAlpha,
		DstColor: vk.BlendFactorOneMinusSrcAlpha,
		ColorOp:  vk.BlendOpAdd,
		SrcAlpha: vk.BlendFactorOne,
		DstAlpha: vk.BlendFactorZero,
		AlphaOp:  vk.BlendOpAdd,
	}
}

// PipelineConfig declares a graphics pipeline. A vertex shader is
// mandatory, everything else is optional. Vertex input is resolved
// by priority: the semantic layout first, then explicit binding and
// attribute structs, then the vertex shader's reflected inputs.
// Viewport and scissor are always dynamic state.
type PipelineConfig struct {
	VertexShader      foundry.ShaderID
	FragmentShader    foundry.ShaderID
	GeometryShader    foundry.ShaderID
	TessControlShader foundry.ShaderID
	TessEvalShader    foundry.ShaderID

	SemanticLayout   *vertex.Layout
	VertexBindings   []VertexBinding
	VertexAttributes []VertexAttribute

	Topology      vk.PrimitiveTopology
	Rasterization Rasterization
	DepthStencil  DepthStencil
	Blend         []BlendAttachment

	DescriptorGroups [][]foundry.LayoutBinding
	PushConstantSize uint32
}

type pipeline struct {
	config     PipelineConfig
	setLayouts []vk.DescriptorSetLayout
	layout     vk.PipelineLayout
	handle     vk.Pipeline
}

// stageBit maps reflected stages to pipeline stage flags.
var stageBit = map[spirv.Stage]vk.ShaderStageFlagBits{
	spirv.StageVertex:         vk.ShaderStageVertexBit,
	spirv.StageFragment:       vk.ShaderStageFragmentBit,
	spirv.StageGeometry:       vk.ShaderStageGeometryBit,
	spirv.StageTessControl:    vk.ShaderStageTessellationControlBit,
	spirv.StageTessEvaluation: vk.ShaderStageTessellationEvaluationBit,
}

// CreatePipeline builds a graphics pipeline rendering into the given
// attachment formats. The pipeline is created against the cached
// render pass for those formats, the same pass the begin/end bracket
// records with, so the two stay compatible by construction. Pass
// vk.FormatUndefined for depthFormat when there is no depth
// attachment. Returns 0 on failure.
func (r *Flow) CreatePipeline(cfg PipelineConfig, colorFormats []vk.Format, depthFormat vk.Format) PipelineID {
	if len(colorFormats) == 0 {
		r.log.Errorf(journal.ContextRendering, "create pipeline: at least one color attachment format is required")
		return 0
	}

	stages, ok := r.stageInfos(cfg)
	if !ok {
		return 0
	}

	bindings, attributes, ok := r.resolveVertexInput(cfg)
	if !ok {
		return 0
	}

	setLayouts := make([]vk.DescriptorSetLayout, 0, len(cfg.DescriptorGroups))
	cleanup := func() {
		for _, layout := range setLayouts {
			r.f.DestroySetLayout(layout)
		}
	}
	for _, group := range cfg.DescriptorGroups {
		layout, err := r.f.NewSetLayout(group)
		if err != nil {
			r.log.Errorf(journal.ContextRendering, "create pipeline: %s", err.Error())
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
	if cfg.PushConstantSize > 0 {
		layoutInfo.PushConstantRangeCount = 1
		layoutInfo.PPushConstantRanges = []vk.PushConstantRange{{
			StageFlags: vk.ShaderStageFlags(vk.ShaderStageVertexBit) | vk.ShaderStageFlags(vk.ShaderStageFragmentBit),
			Offset:     0,
			Size:       cfg.PushConstantSize,
		}}
	}

	var pipelineLayout vk.PipelineLayout
	ret := vk.CreatePipelineLayout(r.f.Device().VK(), &layoutInfo, nil, &pipelineLayout)
	if err := vk.Error(ret); err != nil {
		r.log.Errorf(journal.ContextRendering, "vk.CreatePipelineLayout(): %s", err.Error())
		cleanup()
		return 0
	}

	vkBindings := make([]vk.VertexInputBindingDescription, len(bindings))
	for i, b := range bindings {
		rate := vk.VertexInputRateVertex
		if b.PerInstance {
			rate = vk.VertexInputRateInstance
		}
		vkBindings[i] = vk.VertexInputBindingDescription{
			Binding:   b.Binding,
			Stride:    b.Stride,
			InputRate: rate,
		}
	}
	vkAttributes := make([]vk.VertexInputAttributeDescription, len(attributes))
	for i, a := range attributes {
		vkAttributes[i] = vk.VertexInputAttributeDescription{
			Location: a.Location,
			Binding:  a.Binding,
			Format:   a.Format,
			Offset:   a.Offset,
		}
	}

	raster := cfg.Rasterization
	if raster.LineWidth == 0 {
		raster.LineWidth = 1.0
	}
	var depthClamp, depthBias vk.Bool32
	if raster.DepthClamp {
		depthClamp = vk.True
	}
	if raster.DepthBias {
		depthBias = vk.True
	}

	blend := cfg.Blend
	for uint32(len(blend)) < uint32(len(colorFormats)) {
		blend = append(blend, BlendAttachment{})
	}
	blendStates := make([]vk.PipelineColorBlendAttachmentState, len(blend))
	for i, b := range blend {
		state := vk.PipelineColorBlendAttachmentState{
			ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit) |
				vk.ColorComponentFlags(vk.ColorComponentGBit) |
				vk.ColorComponentFlags(vk.ColorComponentBBit) |
				vk.ColorComponentFlags(vk.ColorComponentABit),
		}
		if b.Enable {
			state.BlendEnable = vk.True
			state.SrcColorBlendFactor = b.SrcColor
			state.DstColorBlendFactor = b.DstColor
			state.ColorBlendOp = b.ColorOp
			state.SrcAlphaBlendFactor = b.SrcAlpha
			state.DstAlphaBlendFactor = b.DstAlpha
			state.AlphaBlendOp = b.AlphaOp
		}
		blendStates[i] = state
	}

	depthState := vk.PipelineDepthStencilStateCreateInfo{
		SType:          vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthCompareOp: cfg.DepthStencil.Compare,
		MaxDepthBounds: 1.0,
	}
	if cfg.DepthStencil.TestEnable {
		depthState.DepthTestEnable = vk.True
	}
	if cfg.DepthStencil.WriteEnable {
		depthState.DepthWriteEnable = vk.True
	}

	pass := r.ensurePass(colorFormats, depthFormat)
	if pass == vk.NullRenderPass {
		vk.DestroyPipelineLayout(r.f.Device().VK(), pipelineLayout, nil)
		cleanup()
		return 0
	}

	createInfo := vk.GraphicsPipelineCreateInfo{
		SType:      vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount: uint32(len(stages)),
		PStages:    stages,
		PVertexInputState: &vk.PipelineVertexInputStateCreateInfo{
			SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
			VertexBindingDescriptionCount:   uint32(len(vkBindings)),
			PVertexBindingDescriptions:      vkBindings,
			VertexAttributeDescriptionCount: uint32(len(vkAttributes)),
			PVertexAttributeDescriptions:    vkAttributes,
		},
		PInputAssemblyState: &vk.PipelineInputAssemblyStateCreateInfo{
			SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
			Topology: cfg.Topology,
		},
		PViewportState: &vk.PipelineViewportStateCreateInfo{
			SType:         vk.StructureTypePipelineViewportStateCreateInfo,
			ViewportCount: 1,
			ScissorCount:  1,
		},
		PRasterizationState: &vk.PipelineRasterizationStateCreateInfo{
			SType:            vk.StructureTypePipelineRasterizationStateCreateInfo,
			PolygonMode:      raster.PolygonMode,
			CullMode:         vk.CullModeFlags(raster.CullMode),
			FrontFace:        raster.FrontFace,
			LineWidth:        raster.LineWidth,
			DepthClampEnable: depthClamp,
			DepthBiasEnable:  depthBias,
		},
		PMultisampleState: &vk.PipelineMultisampleStateCreateInfo{
			SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
			RasterizationSamples: vk.SampleCount1Bit,
		},
		PDepthStencilState: &depthState,
		PColorBlendState: &vk.PipelineColorBlendStateCreateInfo{
			SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
			AttachmentCount: uint32(len(blendStates)),
			PAttachments:    blendStates,
		},
		PDynamicState: &vk.PipelineDynamicStateCreateInfo{
			SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
			DynamicStateCount: 2,
			PDynamicStates:    []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor},
		},
		Layout:     pipelineLayout,
		RenderPass: pass,
	}

	handles := make([]vk.Pipeline, 1)
	ret = vk.CreateGraphicsPipelines(r.f.Device().VK(), vk.NullPipelineCache, 1,
		[]vk.GraphicsPipelineCreateInfo{createInfo}, nil, handles)
	if err := vk.Error(ret); err != nil {
		r.log.Errorf(journal.ContextRendering, "vk.CreateGraphicsPipelines(): %s", err.Error())
		vk.DestroyPipelineLayout(r.f.Device().VK(), pipelineLayout, nil)
		cleanup()
		return 0
	}

	id := PipelineID(atomic.AddUint64(&r.next, 1))
	r.mu.Lock()
	r.pipelines[id] = &pipeline{
		config:     cfg,
		setLayouts: setLayouts,
		layout:     pipelineLayout,
		handle:     handles[0],
	}
	r.mu.Unlock()
	return id
}

// stageInfos validates the configured shaders and produces their
// stage create infos. The vertex shader is mandatory.
func (r *Flow) stageInfos(cfg PipelineConfig) ([]vk.PipelineShaderStageCreateInfo, bool) {
	type slot struct {
		id   foundry.ShaderID
		want spirv.Stage
	}
	slots := []slot{
		{cfg.VertexShader, spirv.StageVertex},
		{cfg.FragmentShader, spirv.StageFragment},
		{cfg.GeometryShader, spirv.StageGeometry},
		{cfg.TessControlShader, spirv.StageTessControl},
		{cfg.TessEvalShader, spirv.StageTessEvaluation},
	}

	if cfg.VertexShader == 0 {
		r.log.Errorf(journal.ContextRendering, "create pipeline: a vertex shader is required")
		return nil, false
	}

	var stages []vk.PipelineShaderStageCreateInfo
	for _, s := range slots {
		if s.id == 0 {
			continue
		}
		if got := r.f.ShaderStage(s.id); got != s.want {
			r.log.Errorf(journal.ContextRendering, "create pipeline: shader %d has stage %s, want %s", s.id, got, s.want)
			return nil, false
		}
		stages = append(stages, vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  stageBit[s.want],
			Module: r.f.ShaderModule(s.id),
			PName:  r.f.ShaderEntryPoint(s.id) + "\x00",
		})
	}
	return stages, true
}

// resolveVertexInput applies the priority chain: semantic layout,
// explicit structs, reflected inputs. An empty result is valid for
// pipelines generating vertices in the shader.
func (r *Flow) resolveVertexInput(cfg PipelineConfig) ([]VertexBinding, []VertexAttribute, bool) {
	if cfg.SemanticLayout != nil {
		bindings, attributes, err := translateLayout(cfg.SemanticLayout)
		if err != nil {
			r.log.Errorf(journal.ContextRendering, "create pipeline: %s", err.Error())
			return nil, nil, false
		}
		return bindings, attributes, true
	}

	if len(cfg.VertexBindings) > 0 || len(cfg.VertexAttributes) > 0 {
		return cfg.VertexBindings, cfg.VertexAttributes, true
	}

	info := r.f.ShaderReflection(cfg.VertexShader)
	if len(info.Inputs) == 0 {
		return nil, nil, true
	}
	bindings, attributes, err := inputsToVertexState(info.Inputs)
	if err != nil {
		r.log.Errorf(journal.ContextRendering, "create pipeline: %s", err.Error())
		return nil, nil, false
	}
	return bindings, attributes, true
}

// inputsToVertexState derives a tightly packed single binding vertex
// layout from reflected stage inputs, in location order.
func inputsToVertexState(inputs []spirv.InputAttribute) ([]VertexBinding, []VertexAttribute, error) {
	var (
		attributes []VertexAttribute
		offset     uint32
	)
	for _, in := range inputs {
		format, size, err := inputFormat(in)
		if err != nil {
			return nil, nil, err
		}
		attributes = append(attributes, VertexAttribute{
			Location: in.Location,
			Binding:  0,
			Format:   format,
			Offset:   offset,
		})
		offset += size
	}
	return []VertexBinding{{Binding: 0, Stride: offset}}, attributes, nil
}

func inputFormat(in spirv.InputAttribute) (vk.Format, uint32, error) {
	if in.Float && in.Width == 32 {
		switch in.Components {
		case 1:
			return vk.FormatR32Sfloat, 4, nil
		case 2:
			return vk.FormatR32g32Sfloat, 8, nil
		case 3:
			return vk.FormatR32g32b32Sfloat, 12, nil
		case 4:
			return vk.FormatR32g32b32a32Sfloat, 16, nil
		}
	}
	if in.Float && in.Width == 64 && in.Components == 1 {
		return vk.FormatR64Sfloat, 8, nil
	}
	if !in.Float && in.Width == 32 {
		switch in.Components {
		case 1:
			return vk.FormatR32Sint, 4, nil
		case 2:
			return vk.FormatR32g32Sint, 8, nil
		case 3:
			return vk.FormatR32g32b32Sint, 12, nil
		case 4:
			return vk.FormatR32g32b32a32Sint, 16, nil
		}
	}
	return vk.FormatUndefined, 0, fmt.Errorf("render: unsupported input at location %d (%d x %d bits)", in.Location, in.Components, in.Width)
}

// AllocatePipelineDescriptors allocates one descriptor set per
// layout the pipeline declares, in declaration order.
func (r *Flow) AllocatePipelineDescriptors(id PipelineID) []foundry.DescriptorSetID {
	r.mu.Lock()
	pl, ok := r.pipelines[id]
	r.mu.Unlock()
	if !ok {
		r.log.Errorf(journal.ContextRendering, "allocate descriptors: unknown render pipeline %d", id)
		return nil
	}

	sets := make([]foundry.DescriptorSetID, 0, len(pl.setLayouts))
	for _, layout := range pl.setLayouts {
		set := r.f.AllocateDescriptorSet(layout)
		if set == 0 {
			return sets
		}
		sets = append(sets, set)
	}
	return sets
}

// DestroyPipeline releases the pipeline and everything it owns.
func (r *Flow) DestroyPipeline(id PipelineID) {
	r.mu.Lock()
	pl, ok := r.pipelines[id]
	if ok {
		delete(r.pipelines, id)
	}
	r.mu.Unlock()
	if !ok {
		r.log.Errorf(journal.ContextRendering, "destroy: unknown render pipeline %d", id)
		return
	}
	r.destroy(pl)
}

func (r *Flow) destroy(pl *pipeline) {
	dev := r.f.Device().VK()
	vk.DestroyPipeline(dev, pl.handle, nil)
	vk.DestroyPipelineLayout(dev, pl.layout, nil)
	for _, layout := range pl.setLayouts {
		r.f.DestroySetLayout(layout)
	}
}
