// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package foundry

import (
	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/journal"
)

// CommandType selects the queue kind a recording session targets.
type CommandType int

// Command buffer kinds.
const (
	CommandGraphics CommandType = iota
	CommandCompute
	CommandTransfer
)

func (c CommandType) String() string {
	switch c {
	case CommandCompute:
		return "compute"
	case CommandTransfer:
		return "transfer"
	default:
		return "graphics"
	}
}

// commandBuffer is one recording session. A session is a linear log:
// recorded by one thread, submitted once.
type commandBuffer struct {
	handle    vk.CommandBuffer
	kind      CommandType
	active    bool
	secondary bool

	// pending wait for BeginCommandsWithWait, consumed at submit.
	waitSemaphore vk.Semaphore
	waitStage     vk.PipelineStageFlags

	// lazily created timestamp query pool, see timestamp.go.
	queryPool  vk.QueryPool
	labelSlots map[string]uint32
	nextSlot   uint32
}

// BeginCommands allocates a primary buffer from the pool matching
// kind and starts recording. Returns 0 on allocation failure.
func (f *Foundry) BeginCommands(kind CommandType) CommandBufferID {
	return f.beginCommands(kind, vk.NullSemaphore, 0)
}

// BeginCommandsWithWait starts a recording whose eventual submission
// waits on a prior semaphore at the given pipeline stage.
func (f *Foundry) BeginCommandsWithWait(kind CommandType, sem SemaphoreID, stage vk.PipelineStageFlags) CommandBufferID {
	f.syncMu.Lock()
	handle, ok := f.semaphores[sem]
	f.syncMu.Unlock()
	if !ok {
		f.log.Errorf(journal.ContextCommands, "begin with wait: unknown semaphore %d", sem)
		return 0
	}
	return f.beginCommands(kind, handle, stage)
}

func (f *Foundry) beginCommands(kind CommandType, wait vk.Semaphore, stage vk.PipelineStageFlags) CommandBufferID {
	if f.stopped {
		f.log.Errorf(journal.ContextCommands, "begin: foundry is stopped")
		return 0
	}

	f.commandMu.Lock()
	pool, ok := f.pools[kind]
	f.commandMu.Unlock()
	if !ok {
		f.log.Errorf(journal.ContextCommands, "begin: no pool for %s commands", kind)
		return 0
	}

	handles := make([]vk.CommandBuffer, 1)
	ret := vk.AllocateCommandBuffers(f.dev.VK(), &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}, handles)
	if err := vk.Error(ret); err != nil {
		f.log.Errorf(journal.ContextCommands, "vk.AllocateCommandBuffers(): %s", err.Error())
		return 0
	}

	ret = vk.BeginCommandBuffer(handles[0], &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	})
	if err := vk.Error(ret); err != nil {
		f.log.Errorf(journal.ContextCommands, "vk.BeginCommandBuffer(): %s", err.Error())
		f.freeHandle(kind, handles[0])
		return 0
	}

	id := f.mintCommandID()
	f.commandMu.Lock()
	f.commands[id] = &commandBuffer{
		handle:        handles[0],
		kind:          kind,
		active:        true,
		waitSemaphore: wait,
		waitStage:     stage,
		labelSlots:    make(map[string]uint32),
	}
	f.commandMu.Unlock()
	return id
}

// BeginSecondaryCommands allocates a secondary graphics buffer that
// can later execute inside a primary buffer's rendering bracket over
// one color attachment of the given format. Inheritance goes through
// a cached render pass that only pins the attachment format; any
// pass with the same formats is compatible with it.
func (f *Foundry) BeginSecondaryCommands(colorFormat vk.Format) CommandBufferID {
	if f.stopped {
		f.log.Errorf(journal.ContextCommands, "begin secondary: foundry is stopped")
		return 0
	}

	f.commandMu.Lock()
	pool, ok := f.pools[CommandGraphics]
	f.commandMu.Unlock()
	if !ok {
		f.log.Errorf(journal.ContextCommands, "begin secondary: no pool for graphics commands")
		return 0
	}

	pass := f.inheritancePass(colorFormat)
	if pass == vk.NullRenderPass {
		return 0
	}

	handles := make([]vk.CommandBuffer, 1)
	ret := vk.AllocateCommandBuffers(f.dev.VK(), &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelSecondary,
		CommandBufferCount: 1,
	}, handles)
	if err := vk.Error(ret); err != nil {
		f.log.Errorf(journal.ContextCommands, "vk.AllocateCommandBuffers(secondary): %s", err.Error())
		return 0
	}

	ret = vk.BeginCommandBuffer(handles[0], &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit) |
			vk.CommandBufferUsageFlags(vk.CommandBufferUsageRenderPassContinueBit),
		PInheritanceInfo: []vk.CommandBufferInheritanceInfo{{
			SType:      vk.StructureTypeCommandBufferInheritanceInfo,
			RenderPass: pass,
			Subpass:    0,
		}},
	})
	if err := vk.Error(ret); err != nil {
		f.log.Errorf(journal.ContextCommands, "vk.BeginCommandBuffer(secondary): %s", err.Error())
		f.freeHandle(CommandGraphics, handles[0])
		return 0
	}

	id := f.mintCommandID()
	f.commandMu.Lock()
	f.commands[id] = &commandBuffer{
		handle:     handles[0],
		kind:       CommandGraphics,
		active:     true,
		secondary:  true,
		labelSlots: make(map[string]uint32),
	}
	f.commandMu.Unlock()
	return id
}

// inheritancePass returns the render pass secondary buffers of the
// given color format inherit from, creating and caching it on first
// use. Its load ops and layouts are irrelevant for compatibility;
// only the attachment formats matter.
func (f *Foundry) inheritancePass(format vk.Format) vk.RenderPass {
	f.commandMu.Lock()
	cached, ok := f.inheritPasses[format]
	f.commandMu.Unlock()
	if ok {
		return cached
	}

	var pass vk.RenderPass
	ret := vk.CreateRenderPass(f.dev.VK(), &vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: 1,
		PAttachments: []vk.AttachmentDescription{{
			Format:         format,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpLoad,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutColorAttachmentOptimal,
			FinalLayout:    vk.ImageLayoutColorAttachmentOptimal,
		}},
		SubpassCount: 1,
		PSubpasses: []vk.SubpassDescription{{
			PipelineBindPoint:    vk.PipelineBindPointGraphics,
			ColorAttachmentCount: 1,
			PColorAttachments: []vk.AttachmentReference{{
				Attachment: 0,
				Layout:     vk.ImageLayoutColorAttachmentOptimal,
			}},
		}},
	}, nil, &pass)
	if err := vk.Error(ret); err != nil {
		f.log.Errorf(journal.ContextCommands, "vk.CreateRenderPass(inheritance): %s", err.Error())
		return vk.NullRenderPass
	}

	f.commandMu.Lock()
	if existing, ok := f.inheritPasses[format]; ok {
		f.commandMu.Unlock()
		vk.DestroyRenderPass(f.dev.VK(), pass, nil)
		return existing
	}
	f.inheritPasses[format] = pass
	f.commandMu.Unlock()
	return pass
}

// GetCommandBuffer resolves an identifier to the recording handle
// for ComputePress and RenderFlow to record into. Returns nil for
// unknown identifiers.
func (f *Foundry) GetCommandBuffer(id CommandBufferID) vk.CommandBuffer {
	f.commandMu.Lock()
	defer f.commandMu.Unlock()
	if cmd, ok := f.commands[id]; ok {
		return cmd.handle
	}
	return nil
}

// IsCommandBufferActive reports whether a session is still recording.
func (f *Foundry) IsCommandBufferActive(id CommandBufferID) bool {
	f.commandMu.Lock()
	defer f.commandMu.Unlock()
	cmd, ok := f.commands[id]
	return ok && cmd.active
}

// EndCommands closes the recording. Submission calls do this on
// demand; ending explicitly is only needed for secondary buffers
// executed from a primary one.
func (f *Foundry) EndCommands(id CommandBufferID) {
	f.commandMu.Lock()
	defer f.commandMu.Unlock()
	cmd, ok := f.commands[id]
	if !ok {
		f.log.Errorf(journal.ContextCommands, "end: unknown command buffer %d", id)
		return
	}
	if !cmd.active {
		f.log.Errorf(journal.ContextCommands, "end: command buffer %d is not recording", id)
		return
	}
	if err := vk.Error(vk.EndCommandBuffer(cmd.handle)); err != nil {
		f.log.Errorf(journal.ContextCommands, "vk.EndCommandBuffer(): %s", err.Error())
		return
	}
	cmd.active = false
}

// ExecuteSecondaries records previously ended secondary buffers into
// an actively recording primary one. Every named secondary must be
// ended with EndCommands first.
func (f *Foundry) ExecuteSecondaries(primary CommandBufferID, secondaries ...CommandBufferID) {
	if len(secondaries) == 0 {
		return
	}

	f.commandMu.Lock()
	prim, ok := f.commands[primary]
	if !ok || !prim.active || prim.secondary {
		f.commandMu.Unlock()
		f.log.Errorf(journal.ContextCommands, "execute: command buffer %d is not a recording primary", primary)
		return
	}
	handles := make([]vk.CommandBuffer, 0, len(secondaries))
	for _, id := range secondaries {
		cmd, ok := f.commands[id]
		if !ok || !cmd.secondary {
			f.commandMu.Unlock()
			f.log.Errorf(journal.ContextCommands, "execute: command buffer %d is not a secondary buffer", id)
			return
		}
		if cmd.active {
			f.commandMu.Unlock()
			f.log.Errorf(journal.ContextCommands, "execute: secondary buffer %d is still recording, end it first", id)
			return
		}
		handles = append(handles, cmd.handle)
	}
	f.commandMu.Unlock()

	vk.CmdExecuteCommands(prim.handle, uint32(len(handles)), handles)
}

// FreeAllCommandBuffers returns every tracked buffer to its pool.
// Buffers still in flight on the GPU must be waited on first.
func (f *Foundry) FreeAllCommandBuffers() {
	f.commandMu.Lock()
	defer f.commandMu.Unlock()
	for id, cmd := range f.commands {
		f.destroyCommandLocked(cmd)
		delete(f.commands, id)
	}
}

// freeCommand drops one session and its query pool.
func (f *Foundry) freeCommand(id CommandBufferID) {
	f.commandMu.Lock()
	defer f.commandMu.Unlock()
	if cmd, ok := f.commands[id]; ok {
		f.destroyCommandLocked(cmd)
		delete(f.commands, id)
	}
}

func (f *Foundry) destroyCommandLocked(cmd *commandBuffer) {
	if cmd.queryPool != vk.NullQueryPool {
		vk.DestroyQueryPool(f.dev.VK(), cmd.queryPool, nil)
		cmd.queryPool = vk.NullQueryPool
	}
	f.freeHandleLocked(cmd.kind, cmd.handle)
}

func (f *Foundry) freeHandle(kind CommandType, handle vk.CommandBuffer) {
	f.commandMu.Lock()
	defer f.commandMu.Unlock()
	f.freeHandleLocked(kind, handle)
}

func (f *Foundry) freeHandleLocked(kind CommandType, handle vk.CommandBuffer) {
	if pool, ok := f.pools[kind]; ok {
		vk.FreeCommandBuffers(f.dev.VK(), pool, 1, []vk.CommandBuffer{handle})
	}
}
