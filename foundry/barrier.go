// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package foundry

import (
	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/journal"
)

// activeHandle resolves an identifier to a handle that is still
// recording, logging otherwise.
func (f *Foundry) activeHandle(id CommandBufferID, context string) vk.CommandBuffer {
	f.commandMu.Lock()
	defer f.commandMu.Unlock()
	cmd, ok := f.commands[id]
	if !ok {
		f.log.Errorf(context, "unknown command buffer %d", id)
		return nil
	}
	if !cmd.active {
		f.log.Errorf(context, "command buffer %d is not recording", id)
		return nil
	}
	return cmd.handle
}

// ImageBarrier records a layout transition for the whole color
// aspect of an image. Needed whenever an image's producer and
// consumer stages differ, a compute write read by a fragment shader
// for example.
func (f *Foundry) ImageBarrier(id CommandBufferID, image vk.Image,
	oldLayout, newLayout vk.ImageLayout,
	srcAccess, dstAccess vk.AccessFlags,
	srcStage, dstStage vk.PipelineStageFlags) {

	handle := f.activeHandle(id, journal.ContextCommands)
	if handle == nil {
		return
	}

	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       srcAccess,
		DstAccessMask:       dstAccess,
		OldLayout:           oldLayout,
		NewLayout:           newLayout,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               image,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LevelCount: 1,
			LayerCount: 1,
		},
	}
	vk.CmdPipelineBarrier(handle, srcStage, dstStage, 0,
		0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
}

// BufferBarrier records a memory dependency over a buffer range.
func (f *Foundry) BufferBarrier(id CommandBufferID, buffer vk.Buffer,
	offset, size vk.DeviceSize,
	srcAccess, dstAccess vk.AccessFlags,
	srcStage, dstStage vk.PipelineStageFlags) {

	handle := f.activeHandle(id, journal.ContextCommands)
	if handle == nil {
		return
	}

	barrier := vk.BufferMemoryBarrier{
		SType:               vk.StructureTypeBufferMemoryBarrier,
		SrcAccessMask:       srcAccess,
		DstAccessMask:       dstAccess,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Buffer:              buffer,
		Offset:              offset,
		Size:                size,
	}
	vk.CmdPipelineBarrier(handle, srcStage, dstStage, 0,
		0, nil, 1, []vk.BufferMemoryBarrier{barrier}, 0, nil)
}
