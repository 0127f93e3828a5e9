// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package render builds graphics pipelines and records draw commands
// against externally owned windows. Rendering targets are declared
// per frame: BeginRendering opens a render pass instance over the
// window's current image, cleared to the requested color, and
// EndRendering closes it. The pass itself transitions the attachment
// from undefined to a presentable layout, so no explicit barriers
// surround the bracket. Passes are cached per attachment format set
// and shared between brackets and pipelines.
package render

import (
	"errors"
	"sync"
	"unsafe"

	glm "github.com/go-gl/mathgl/mgl32"
	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/foundry"
	"github.com/devblok/portal/journal"
)

// Window is the view this layer needs of an externally owned window.
// The presentation service implements it; registration here never
// takes ownership.
type Window interface {
	// Extent returns the current swapchain extent in pixels.
	Extent() (uint32, uint32)

	// CurrentImageView returns the view of this frame's target image.
	CurrentImageView() vk.ImageView

	// SurfaceFormat returns the swapchain color format.
	SurfaceFormat() vk.Format

	// Prepared reports whether the presentation service has set the
	// window up for rendering.
	Prepared() bool
}

// framebuffer is one cached view to pass binding, rebuilt when the
// window extent changes.
type framebuffer struct {
	handle vk.Framebuffer
	width  uint32
	height uint32
}

// association tracks one registered window, its framebuffers and,
// inside a bracket, the frame's target image.
type association struct {
	window       Window
	target       vk.Image
	framebuffers map[vk.ImageView]framebuffer
}

type bracketKey struct {
	cmd    foundry.CommandBufferID
	window Window
}

// Flow is the graphics pipeline factory and draw recorder.
type Flow struct {
	f   *foundry.Foundry
	log *journal.Logger

	next uint64
	mesh meshCommands

	mu        sync.Mutex
	pipelines map[PipelineID]*pipeline
	windows   map[Window]*association
	brackets  map[bracketKey]vk.Image
	passes    map[passKey]vk.RenderPass
}

// NewFlow creates a Flow on the given foundry.
func NewFlow(f *foundry.Foundry) (*Flow, error) {
	if f == nil {
		return nil, errors.New("render: foundry is nil")
	}
	return &Flow{
		f:         f,
		log:       journal.New("render"),
		pipelines: make(map[PipelineID]*pipeline),
		windows:   make(map[Window]*association),
		brackets:  make(map[bracketKey]vk.Image),
		passes:    make(map[passKey]vk.RenderPass),
	}, nil
}

// RegisterWindowForRendering adds a window to the registry. The
// window must already be set up with the presentation service;
// registering an unprepared one logs a warning but still succeeds.
// Re-registration is idempotent.
func (r *Flow) RegisterWindowForRendering(w Window) {
	if w == nil {
		r.log.Errorf(journal.ContextRendering, "register: nil window")
		return
	}
	if !w.Prepared() {
		r.log.Warnf(journal.ContextRendering, "registering a window the presentation service has not prepared")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.windows[w]; !ok {
		r.windows[w] = &association{window: w}
	}
}

// UnregisterWindow drops a window from the registry together with
// the framebuffers cached for it.
func (r *Flow) UnregisterWindow(w Window) {
	r.mu.Lock()
	assoc, ok := r.windows[w]
	delete(r.windows, w)
	r.mu.Unlock()
	if ok {
		r.releaseFramebuffers(assoc.framebuffers)
	}
}

// IsWindowRegistered reports registry membership.
func (r *Flow) IsWindowRegistered(w Window) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.windows[w]
	return ok
}

// RegisteredWindows lists the registry contents.
func (r *Flow) RegisteredWindows() []Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	windows := make([]Window, 0, len(r.windows))
	for w := range r.windows {
		windows = append(windows, w)
	}
	return windows
}

// BeginRendering opens a render pass instance over the window's
// current image, cleared to the given color. The pass leaves the
// attachment in a presentable layout when the bracket closes. An
// unregistered window lazily gains an association. Logged no-op when
// the command buffer is not recording, the target is nil or the
// window extent is degenerate.
func (r *Flow) BeginRendering(cmd foundry.CommandBufferID, w Window, target vk.Image, clear glm.Vec4) {
	if w == nil {
		r.log.Errorf(journal.ContextRendering, "begin rendering: nil window")
		return
	}
	width, height := w.Extent()
	if width == 0 || height == 0 {
		r.log.Errorf(journal.ContextRendering, "begin rendering: degenerate extent %dx%d", width, height)
		return
	}
	if target == vk.NullImage {
		r.log.Errorf(journal.ContextRendering, "begin rendering: nil target image")
		return
	}
	if !r.f.IsCommandBufferActive(cmd) {
		r.log.Errorf(journal.ContextRendering, "begin rendering: command buffer %d is not recording", cmd)
		return
	}
	view := w.CurrentImageView()
	if view == vk.NullImageView {
		r.log.Errorf(journal.ContextRendering, "begin rendering: window has no current image view")
		return
	}

	r.mu.Lock()
	assoc, ok := r.windows[w]
	if !ok {
		assoc = &association{window: w}
		r.windows[w] = assoc
	}
	key := bracketKey{cmd: cmd, window: w}
	if _, open := r.brackets[key]; open {
		r.mu.Unlock()
		r.log.Errorf(journal.ContextRendering, "begin rendering: bracket already open for this window in buffer %d", cmd)
		return
	}
	r.mu.Unlock()

	pass := r.ensurePass([]vk.Format{w.SurfaceFormat()}, vk.FormatUndefined)
	if pass == vk.NullRenderPass {
		return
	}
	fb := r.ensureFramebuffer(assoc, pass, view, width, height)
	if fb == vk.NullFramebuffer {
		return
	}

	var clearValue vk.ClearValue
	clearValue.SetColor([]float32{clear.X(), clear.Y(), clear.Z(), clear.W()})

	vk.CmdBeginRenderPass(r.f.GetCommandBuffer(cmd), &vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  pass,
		Framebuffer: fb,
		RenderArea: vk.Rect2D{
			Extent: vk.Extent2D{Width: width, Height: height},
		},
		ClearValueCount: 1,
		PClearValues:    []vk.ClearValue{clearValue},
	}, vk.SubpassContentsInline)

	r.mu.Lock()
	assoc.target = target
	r.brackets[key] = target
	r.mu.Unlock()
}

// EndRendering closes the pass instance opened by BeginRendering and
// clears the tracked target image, which was only valid for the
// bracket just closed. The pass's final layout leaves the attachment
// presentable. Logged no-op when no matching bracket is open or the
// command buffer is no longer recording.
func (r *Flow) EndRendering(cmd foundry.CommandBufferID, w Window) {
	key := bracketKey{cmd: cmd, window: w}

	r.mu.Lock()
	_, open := r.brackets[key]
	if open {
		delete(r.brackets, key)
		if assoc, ok := r.windows[w]; ok {
			assoc.target = vk.NullImage
		}
	}
	r.mu.Unlock()
	if !open {
		r.log.Errorf(journal.ContextRendering, "end rendering: no open bracket for this window in buffer %d", cmd)
		return
	}

	handle := r.activeBuffer(cmd)
	if handle == nil {
		return
	}
	vk.CmdEndRenderPass(handle)
}

// TrackedTarget returns the target image currently associated with a
// window, vk.NullImage outside a bracket.
func (r *Flow) TrackedTarget(w Window) vk.Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	if assoc, ok := r.windows[w]; ok {
		return assoc.target
	}
	return vk.NullImage
}

// recording resolves a pipeline and an actively recording buffer.
func (r *Flow) recording(cmd foundry.CommandBufferID, id PipelineID) (vk.CommandBuffer, *pipeline) {
	r.mu.Lock()
	pl, ok := r.pipelines[id]
	r.mu.Unlock()
	if !ok {
		r.log.Errorf(journal.ContextRendering, "unknown render pipeline %d", id)
		return nil, nil
	}
	handle := r.activeBuffer(cmd)
	if handle == nil {
		return nil, nil
	}
	return handle, pl
}

func (r *Flow) activeBuffer(cmd foundry.CommandBufferID) vk.CommandBuffer {
	if !r.f.IsCommandBufferActive(cmd) {
		r.log.Errorf(journal.ContextRendering, "command buffer %d is not recording", cmd)
		return nil
	}
	return r.f.GetCommandBuffer(cmd)
}

// BindPipeline records a graphics pipeline bind. The viewport and
// scissor are set to the window extent supplied here, since both are
// always dynamic state.
func (r *Flow) BindPipeline(cmd foundry.CommandBufferID, id PipelineID, width, height uint32) {
	handle, pl := r.recording(cmd, id)
	if pl == nil {
		return
	}
	vk.CmdBindPipeline(handle, vk.PipelineBindPointGraphics, pl.handle)
	vk.CmdSetViewport(handle, 0, 1, []vk.Viewport{{
		Width:    float32(width),
		Height:   float32(height),
		MaxDepth: 1.0,
	}})
	vk.CmdSetScissor(handle, 0, 1, []vk.Rect2D{{
		Extent: vk.Extent2D{Width: width, Height: height},
	}})
}

// BindVertexBuffers binds vertex buffers starting at firstBinding.
func (r *Flow) BindVertexBuffers(cmd foundry.CommandBufferID, firstBinding uint32, buffers []vk.Buffer, offsets []vk.DeviceSize) {
	handle := r.activeBuffer(cmd)
	if handle == nil {
		return
	}
	if len(buffers) != len(offsets) {
		r.log.Errorf(journal.ContextRendering, "bind vertex buffers: %d buffers but %d offsets", len(buffers), len(offsets))
		return
	}
	vk.CmdBindVertexBuffers(handle, firstBinding, uint32(len(buffers)), buffers, offsets)
}

// BindIndexBuffer binds an index buffer with an explicit index width.
func (r *Flow) BindIndexBuffer(cmd foundry.CommandBufferID, buffer vk.Buffer, offset vk.DeviceSize, indexType vk.IndexType) {
	handle := r.activeBuffer(cmd)
	if handle == nil {
		return
	}
	vk.CmdBindIndexBuffer(handle, buffer, offset, indexType)
}

// BindDescriptorSets binds descriptor sets starting at firstSet.
func (r *Flow) BindDescriptorSets(cmd foundry.CommandBufferID, id PipelineID, firstSet uint32, sets ...foundry.DescriptorSetID) {
	handle, pl := r.recording(cmd, id)
	if pl == nil {
		return
	}

	vkSets := make([]vk.DescriptorSet, len(sets))
	for i, set := range sets {
		vkSets[i] = r.f.DescriptorSet(set)
		if vkSets[i] == vk.NullDescriptorSet {
			r.log.Errorf(journal.ContextRendering, "bind: unknown descriptor set %d", set)
			return
		}
	}
	vk.CmdBindDescriptorSets(handle, vk.PipelineBindPointGraphics, pl.layout,
		firstSet, uint32(len(vkSets)), vkSets, 0, nil)
}

// PushConstants records a push constant update visible to the vertex
// and fragment stages.
func (r *Flow) PushConstants(cmd foundry.CommandBufferID, id PipelineID, data []byte) {
	handle, pl := r.recording(cmd, id)
	if pl == nil {
		return
	}
	if uint32(len(data)) > pl.config.PushConstantSize {
		r.log.Errorf(journal.ContextRendering, "push constants: %d bytes exceed declared size %d", len(data), pl.config.PushConstantSize)
		return
	}
	if len(data) == 0 {
		return
	}
	vk.CmdPushConstants(handle, pl.layout,
		vk.ShaderStageFlags(vk.ShaderStageVertexBit)|vk.ShaderStageFlags(vk.ShaderStageFragmentBit),
		0, uint32(len(data)), unsafe.Pointer(&data[0]))
}

// Draw records a non indexed draw.
func (r *Flow) Draw(cmd foundry.CommandBufferID, vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	handle := r.activeBuffer(cmd)
	if handle == nil {
		return
	}
	vk.CmdDraw(handle, vertexCount, instanceCount, firstVertex, firstInstance)
}

// DrawIndexed records an indexed draw.
func (r *Flow) DrawIndexed(cmd foundry.CommandBufferID, indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	handle := r.activeBuffer(cmd)
	if handle == nil {
		return
	}
	vk.CmdDrawIndexed(handle, indexCount, instanceCount, firstIndex, vertexOffset, firstInstance)
}

// DrawMeshTasks records a mesh shading dispatch. The entry point is
// resolved from the VK_EXT_mesh_shader extension at first use; a
// device without it makes the call a logged no-op.
func (r *Flow) DrawMeshTasks(cmd foundry.CommandBufferID, x, y, z uint32) {
	handle := r.activeBuffer(cmd)
	if handle == nil {
		return
	}
	if !r.recordDrawMeshTasks(handle, x, y, z) {
		r.log.Errorf(journal.ContextRendering, "draw mesh tasks: VK_EXT_mesh_shader is not available on this device")
	}
}

// DrawMeshTasksIndirect records a mesh shading dispatch whose counts
// are read from a buffer at submission time.
func (r *Flow) DrawMeshTasksIndirect(cmd foundry.CommandBufferID, buffer vk.Buffer, offset vk.DeviceSize, drawCount, stride uint32) {
	handle := r.activeBuffer(cmd)
	if handle == nil {
		return
	}
	if !r.recordDrawMeshTasksIndirect(handle, buffer, offset, drawCount, stride) {
		r.log.Errorf(journal.ContextRendering, "draw mesh tasks indirect: VK_EXT_mesh_shader is not available on this device")
	}
}

// Shutdown destroys every pipeline, framebuffer and cached render
// pass and clears the window registry.
func (r *Flow) Shutdown() {
	r.mu.Lock()
	pipelines := r.pipelines
	windows := r.windows
	passes := r.passes
	r.pipelines = make(map[PipelineID]*pipeline)
	r.windows = make(map[Window]*association)
	r.brackets = make(map[bracketKey]vk.Image)
	r.passes = make(map[passKey]vk.RenderPass)
	r.mu.Unlock()

	for _, pl := range pipelines {
		r.destroy(pl)
	}
	for _, assoc := range windows {
		r.releaseFramebuffers(assoc.framebuffers)
	}
	for _, pass := range passes {
		vk.DestroyRenderPass(r.f.Device().VK(), pass, nil)
	}
}
