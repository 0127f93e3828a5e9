// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package foundry

import (
	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/journal"
)

// fence pairs the backend handle with a CPU side latch. The latch
// transitions unsignaled to signaled exactly once and never resets.
type fence struct {
	handle   vk.Fence
	signaled bool
}

// SubmitAndWait ends the recording, submits it on the matching queue
// and blocks until the GPU finishes, then returns the buffer to its
// pool. The identifier is invalid afterwards.
func (f *Foundry) SubmitAndWait(id CommandBufferID) {
	cmd := f.prepareSubmit(id)
	if cmd == nil {
		return
	}

	var fn vk.Fence
	ret := vk.CreateFence(f.dev.VK(), &vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}, nil, &fn)
	if err := vk.Error(ret); err != nil {
		f.log.Errorf(journal.ContextSync, "vk.CreateFence(): %s", err.Error())
		return
	}
	defer vk.DestroyFence(f.dev.VK(), fn, nil)

	if !f.queueSubmit(cmd, fn, vk.NullSemaphore) {
		return
	}
	vk.WaitForFences(f.dev.VK(), 1, []vk.Fence{fn}, vk.True, vk.MaxUint64)
	f.freeCommand(id)
}

// SubmitAsync submits without blocking and returns a fence to query
// or wait on. The buffer stays allocated until FreeAllCommandBuffers
// or Stop; waiting on the fence only synchronizes.
func (f *Foundry) SubmitAsync(id CommandBufferID) FenceID {
	cmd := f.prepareSubmit(id)
	if cmd == nil {
		return 0
	}

	var fn vk.Fence
	ret := vk.CreateFence(f.dev.VK(), &vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}, nil, &fn)
	if err := vk.Error(ret); err != nil {
		f.log.Errorf(journal.ContextSync, "vk.CreateFence(): %s", err.Error())
		return 0
	}

	if !f.queueSubmit(cmd, fn, vk.NullSemaphore) {
		vk.DestroyFence(f.dev.VK(), fn, nil)
		return 0
	}

	fenceID := f.mintFenceID()
	f.syncMu.Lock()
	f.fences[fenceID] = &fence{handle: fn}
	f.syncMu.Unlock()
	return fenceID
}

// SubmitWithSignal submits without blocking and returns both a fence
// and a semaphore a subsequent submission can wait on.
func (f *Foundry) SubmitWithSignal(id CommandBufferID) (FenceID, SemaphoreID) {
	cmd := f.prepareSubmit(id)
	if cmd == nil {
		return 0, 0
	}

	var fn vk.Fence
	ret := vk.CreateFence(f.dev.VK(), &vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}, nil, &fn)
	if err := vk.Error(ret); err != nil {
		f.log.Errorf(journal.ContextSync, "vk.CreateFence(): %s", err.Error())
		return 0, 0
	}

	var sem vk.Semaphore
	ret = vk.CreateSemaphore(f.dev.VK(), &vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}, nil, &sem)
	if err := vk.Error(ret); err != nil {
		f.log.Errorf(journal.ContextSync, "vk.CreateSemaphore(): %s", err.Error())
		vk.DestroyFence(f.dev.VK(), fn, nil)
		return 0, 0
	}

	if !f.queueSubmit(cmd, fn, sem) {
		vk.DestroyFence(f.dev.VK(), fn, nil)
		vk.DestroySemaphore(f.dev.VK(), sem, nil)
		return 0, 0
	}

	fenceID := f.mintFenceID()
	semID := f.mintSemaphoreID()
	f.syncMu.Lock()
	f.fences[fenceID] = &fence{handle: fn}
	f.semaphores[semID] = sem
	f.syncMu.Unlock()
	return fenceID, semID
}

// prepareSubmit validates the identifier and ends recording if the
// session is still active. The active flag flips under commandMu so
// concurrent IsCommandBufferActive polls never see a half ended
// session.
func (f *Foundry) prepareSubmit(id CommandBufferID) *commandBuffer {
	f.commandMu.Lock()
	defer f.commandMu.Unlock()
	cmd, ok := f.commands[id]
	if !ok {
		f.log.Errorf(journal.ContextSync, "submit: unknown command buffer %d", id)
		return nil
	}
	if cmd.secondary {
		f.log.Errorf(journal.ContextSync, "submit: command buffer %d is secondary, execute it from a primary buffer", id)
		return nil
	}
	if cmd.active {
		if err := vk.Error(vk.EndCommandBuffer(cmd.handle)); err != nil {
			f.log.Errorf(journal.ContextSync, "vk.EndCommandBuffer(): %s", err.Error())
			return nil
		}
		cmd.active = false
	}
	return cmd
}

func (f *Foundry) queueSubmit(cmd *commandBuffer, fn vk.Fence, signal vk.Semaphore) bool {
	submit := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{cmd.handle},
	}
	if cmd.waitSemaphore != vk.NullSemaphore {
		submit.WaitSemaphoreCount = 1
		submit.PWaitSemaphores = []vk.Semaphore{cmd.waitSemaphore}
		submit.PWaitDstStageMask = []vk.PipelineStageFlags{cmd.waitStage}
		cmd.waitSemaphore = vk.NullSemaphore
	}
	if signal != vk.NullSemaphore {
		submit.SignalSemaphoreCount = 1
		submit.PSignalSemaphores = []vk.Semaphore{signal}
	}

	ret := vk.QueueSubmit(f.queueFor(cmd.kind), 1, []vk.SubmitInfo{submit}, fn)
	if err := vk.Error(ret); err != nil {
		f.log.Errorf(journal.ContextSync, "vk.QueueSubmit(): %s", err.Error())
		return false
	}
	return true
}

// WaitForFence blocks until the fence signals. No timeout; callers
// needing bounded waits poll IsFenceSignaled instead.
func (f *Foundry) WaitForFence(id FenceID) {
	f.WaitForFences(id)
}

// WaitForFences blocks until every named fence signals.
func (f *Foundry) WaitForFences(ids ...FenceID) {
	handles := make([]vk.Fence, 0, len(ids))
	tracked := make([]*fence, 0, len(ids))

	f.syncMu.Lock()
	for _, id := range ids {
		fn, ok := f.fences[id]
		if !ok {
			f.syncMu.Unlock()
			f.log.Errorf(journal.ContextSync, "wait: unknown fence %d", id)
			return
		}
		handles = append(handles, fn.handle)
		tracked = append(tracked, fn)
	}
	f.syncMu.Unlock()

	if len(handles) == 0 {
		return
	}
	vk.WaitForFences(f.dev.VK(), uint32(len(handles)), handles, vk.True, vk.MaxUint64)

	f.syncMu.Lock()
	for _, fn := range tracked {
		fn.signaled = true
	}
	f.syncMu.Unlock()
}

// IsFenceSignaled polls the fence without blocking. Once observed
// signaled the answer latches and never reverts.
func (f *Foundry) IsFenceSignaled(id FenceID) bool {
	f.syncMu.Lock()
	fn, ok := f.fences[id]
	if ok && fn.signaled {
		f.syncMu.Unlock()
		return true
	}
	f.syncMu.Unlock()
	if !ok {
		f.log.Errorf(journal.ContextSync, "poll: unknown fence %d", id)
		return false
	}

	if vk.GetFenceStatus(f.dev.VK(), fn.handle) == vk.Success {
		f.syncMu.Lock()
		fn.signaled = true
		f.syncMu.Unlock()
		return true
	}
	return false
}

// NewSemaphore creates a semaphore for external signaling, for
// example a swapchain image acquire. Returns 0 on failure.
func (f *Foundry) NewSemaphore() SemaphoreID {
	var sem vk.Semaphore
	ret := vk.CreateSemaphore(f.dev.VK(), &vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}, nil, &sem)
	if err := vk.Error(ret); err != nil {
		f.log.Errorf(journal.ContextSync, "vk.CreateSemaphore(): %s", err.Error())
		return 0
	}

	id := f.mintSemaphoreID()
	f.syncMu.Lock()
	f.semaphores[id] = sem
	f.syncMu.Unlock()
	return id
}

// Semaphore returns the backend handle for interop with code that
// signals or waits outside this layer. vk.NullSemaphore when unknown.
func (f *Foundry) Semaphore(id SemaphoreID) vk.Semaphore {
	f.syncMu.Lock()
	defer f.syncMu.Unlock()
	if sem, ok := f.semaphores[id]; ok {
		return sem
	}
	return vk.NullSemaphore
}

// DestroyFence releases the fence and its identifier.
func (f *Foundry) DestroyFence(id FenceID) {
	f.syncMu.Lock()
	fn, ok := f.fences[id]
	if ok {
		delete(f.fences, id)
	}
	f.syncMu.Unlock()
	if !ok {
		f.log.Errorf(journal.ContextSync, "destroy: unknown fence %d", id)
		return
	}
	vk.DestroyFence(f.dev.VK(), fn.handle, nil)
}

// DestroySemaphore releases the semaphore and its identifier. Only
// destroy semaphores no pending submission still waits on.
func (f *Foundry) DestroySemaphore(id SemaphoreID) {
	f.syncMu.Lock()
	sem, ok := f.semaphores[id]
	if ok {
		delete(f.semaphores, id)
	}
	f.syncMu.Unlock()
	if !ok {
		f.log.Errorf(journal.ContextSync, "destroy: unknown semaphore %d", id)
		return
	}
	vk.DestroySemaphore(f.dev.VK(), sem, nil)
}
