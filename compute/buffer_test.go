// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package compute

import (
	"testing"

	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/device"
)

// makeStorageBuffer allocates a host visible storage buffer for the
// end to end scenario.
func makeStorageBuffer(t *testing.T, dev *device.Device, size vk.DeviceSize) (vk.Buffer, vk.DeviceMemory) {
	t.Helper()

	var buffer vk.Buffer
	ret := vk.CreateBuffer(dev.VK(), &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        size,
		Usage:       vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &buffer)
	if err := vk.Error(ret); err != nil {
		t.Fatalf("vk.CreateBuffer(): %v", err)
	}

	var memReqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(dev.VK(), buffer, &memReqs)
	memReqs.Deref()

	memType, ok := findMemoryType(dev, memReqs.MemoryTypeBits,
		vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit)|vk.MemoryPropertyFlags(vk.MemoryPropertyHostCoherentBit))
	if !ok {
		t.Fatal("no host visible memory type")
	}

	var memory vk.DeviceMemory
	ret = vk.AllocateMemory(dev.VK(), &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memType,
	}, nil, &memory)
	if err := vk.Error(ret); err != nil {
		t.Fatalf("vk.AllocateMemory(): %v", err)
	}
	vk.BindBufferMemory(dev.VK(), buffer, memory, 0)
	return buffer, memory
}

func freeStorageBuffer(dev *device.Device, buffer vk.Buffer, memory vk.DeviceMemory) {
	vk.DestroyBuffer(dev.VK(), buffer, nil)
	vk.FreeMemory(dev.VK(), memory, nil)
}

func findMemoryType(dev *device.Device, typeBits uint32, props vk.MemoryPropertyFlags) (uint32, bool) {
	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(dev.Physical(), &memProps)
	memProps.Deref()

	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		memProps.MemoryTypes[i].Deref()
		if typeBits&(1<<i) != 0 && memProps.MemoryTypes[i].PropertyFlags&props == props {
			return i, true
		}
	}
	return 0, false
}
