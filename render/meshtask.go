// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

//go:build linux || darwin || freebsd

package render

/*
#cgo linux LDFLAGS: -ldl
#include <dlfcn.h>
#include <stddef.h>
#include <stdint.h>
#include <stdlib.h>

typedef void (*portalVoidFn)(void);
typedef portalVoidFn (*portalGetDeviceProcAddrFn)(void* device, const char* name);
typedef void (*portalDrawMeshTasksFn)(void* cmd, uint32_t x, uint32_t y, uint32_t z);
typedef void (*portalDrawMeshTasksIndirectFn)(void* cmd, uint64_t buffer, uint64_t offset, uint32_t drawCount, uint32_t stride);

// portalLoadDeviceProc resolves a device level entry point through
// vkGetDeviceProcAddr looked up in the system Vulkan loader. NULL when
// either the loader or the entry point is missing.
static portalVoidFn portalLoadDeviceProc(void* device, const char* name) {
	static portalGetDeviceProcAddrFn getProc = NULL;
	if (getProc == NULL) {
		const char* libs[] = {
			"libvulkan.so.1",
			"libvulkan.so",
			"libvulkan.1.dylib",
			"libvulkan.dylib",
			"libMoltenVK.dylib",
		};
		for (size_t i = 0; i < sizeof(libs) / sizeof(libs[0]) && getProc == NULL; i++) {
			void* handle = dlopen(libs[i], RTLD_LAZY | RTLD_LOCAL);
			if (handle != NULL) {
				getProc = (portalGetDeviceProcAddrFn)dlsym(handle, "vkGetDeviceProcAddr");
			}
		}
	}
	if (getProc == NULL) {
		return NULL;
	}
	return getProc(device, name);
}

static void portalCallDrawMeshTasks(portalVoidFn fn, void* cmd, uint32_t x, uint32_t y, uint32_t z) {
	((portalDrawMeshTasksFn)fn)(cmd, x, y, z);
}

static void portalCallDrawMeshTasksIndirect(portalVoidFn fn, void* cmd, uint64_t buffer, uint64_t offset, uint32_t drawCount, uint32_t stride) {
	((portalDrawMeshTasksIndirectFn)fn)(cmd, buffer, offset, drawCount, stride);
}
*/
import "C"

import (
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// meshCommands holds the VK_EXT_mesh_shader draw entry points, which
// the binding does not wrap. They are resolved once per Flow; a nil
// entry point means the device does not expose the extension.
type meshCommands struct {
	once         sync.Once
	drawTasks    C.portalVoidFn
	drawIndirect C.portalVoidFn
}

func (r *Flow) meshProcs() *meshCommands {
	r.mesh.once.Do(func() {
		dev := unsafe.Pointer(r.f.Device().VK())

		name := C.CString("vkCmdDrawMeshTasksEXT")
		r.mesh.drawTasks = C.portalLoadDeviceProc(dev, name)
		C.free(unsafe.Pointer(name))

		name = C.CString("vkCmdDrawMeshTasksIndirectEXT")
		r.mesh.drawIndirect = C.portalLoadDeviceProc(dev, name)
		C.free(unsafe.Pointer(name))
	})
	return &r.mesh
}

func (r *Flow) recordDrawMeshTasks(handle vk.CommandBuffer, x, y, z uint32) bool {
	procs := r.meshProcs()
	if procs.drawTasks == nil {
		return false
	}
	C.portalCallDrawMeshTasks(procs.drawTasks, unsafe.Pointer(handle),
		C.uint32_t(x), C.uint32_t(y), C.uint32_t(z))
	return true
}

func (r *Flow) recordDrawMeshTasksIndirect(handle vk.CommandBuffer, buffer vk.Buffer, offset vk.DeviceSize, drawCount, stride uint32) bool {
	procs := r.meshProcs()
	if procs.drawIndirect == nil {
		return false
	}
	C.portalCallDrawMeshTasksIndirect(procs.drawIndirect, unsafe.Pointer(handle),
		C.uint64_t(uintptr(unsafe.Pointer(buffer))), C.uint64_t(offset), C.uint32_t(drawCount), C.uint32_t(stride))
	return true
}
