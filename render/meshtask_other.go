// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

//go:build !linux && !darwin && !freebsd

package render

import (
	vk "github.com/goki/vulkan"
)

// meshCommands needs the dlfcn loader; platforms without it report
// mesh shading as unavailable.
type meshCommands struct{}

func (r *Flow) recordDrawMeshTasks(handle vk.CommandBuffer, x, y, z uint32) bool {
	return false
}

func (r *Flow) recordDrawMeshTasksIndirect(handle vk.CommandBuffer, buffer vk.Buffer, offset vk.DeviceSize, drawCount, stride uint32) bool {
	return false
}
