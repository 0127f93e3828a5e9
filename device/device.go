// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package device owns the Vulkan instance and the logical device the
// rest of the engine records against. It selects queue families for
// graphics, compute and transfer work and hands out the raw handles
// everything downstream needs.
package device

import (
	"errors"
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/journal"
)

// DefaultAppInfo is used when Config.AppName is left empty.
var DefaultAppInfo = &vk.ApplicationInfo{
	SType:              vk.StructureTypeApplicationInfo,
	ApiVersion:         vk.MakeVersion(1, 1, 0),
	ApplicationVersion: vk.MakeVersion(1, 0, 0),
	PApplicationName:   "Portal\x00",
	PEngineName:        "Portal\x00",
}

// Config selects the physical device and instance level options.
type Config struct {
	AppName string

	// DeviceIndex picks among enumerated physical devices.
	DeviceIndex int

	// Validate enables the Khronos validation layer.
	Validate bool

	Extensions []string
	Layers     []string

	// DeviceExtensions are enabled on the logical device in addition
	// to the swapchain extension, VK_EXT_mesh_shader for example.
	DeviceExtensions []string

	// ProcAddr is the instance proc address loader from a windowing
	// library. Leave nil to use the system Vulkan loader.
	ProcAddr unsafe.Pointer
}

// Device wraps the Vulkan instance and logical device together with
// the queues selected at creation.
type Device struct {
	instance vk.Instance
	physical vk.PhysicalDevice
	device   vk.Device

	graphicsFamily uint32
	computeFamily  uint32
	transferFamily uint32

	graphicsQueue vk.Queue
	computeQueue  vk.Queue
	transferQueue vk.Queue

	timestampPeriod float32

	log *journal.Logger
}

// New initialises Vulkan, creates an instance and a logical device
// with the selected queues.
func New(cfg Config) (*Device, error) {
	log := journal.New("device")

	instance, err := newInstance(cfg)
	if err != nil {
		return nil, err
	}

	physicalDevices, err := enumerateDevices(instance)
	if err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, err
	}
	if cfg.DeviceIndex < 0 || cfg.DeviceIndex >= len(physicalDevices) {
		vk.DestroyInstance(instance, nil)
		return nil, fmt.Errorf("device: index %d out of range, %d devices available", cfg.DeviceIndex, len(physicalDevices))
	}

	dev := &Device{
		instance: instance,
		physical: physicalDevices[cfg.DeviceIndex],
		log:      log,
	}

	if err := dev.selectQueueFamilies(); err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, err
	}
	if err := dev.createLogicalDevice(cfg.DeviceExtensions); err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, err
	}

	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(dev.physical, &props)
	props.Deref()
	props.Limits.Deref()
	dev.timestampPeriod = props.Limits.TimestampPeriod

	log.Infof(journal.ContextDevice, "using %s, queues graphics=%d compute=%d transfer=%d",
		vk.ToString(props.DeviceName[:]), dev.graphicsFamily, dev.computeFamily, dev.transferFamily)
	return dev, nil
}

// newInstance initialises the loader and creates a Vulkan instance.
func newInstance(cfg Config) (vk.Instance, error) {
	if cfg.ProcAddr == nil {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			return nil, errors.New("vk.SetDefaultGetInstanceProcAddr(): " + err.Error())
		}
	} else {
		vk.SetGetInstanceProcAddr(cfg.ProcAddr)
	}
	if err := vk.Init(); err != nil {
		return nil, errors.New("vk.Init(): " + err.Error())
	}

	layers := safeStrings(cfg.Layers)
	extensions := safeStrings(cfg.Extensions)
	if cfg.Validate {
		layers = append(layers, "VK_LAYER_KHRONOS_validation\x00")
	}

	appInfo := DefaultAppInfo
	if cfg.AppName != "" {
		info := *DefaultAppInfo
		info.PApplicationName = cfg.AppName + "\x00"
		appInfo = &info
	}

	var instance vk.Instance
	ret := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType:                   vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        appInfo,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: extensions,
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     layers,
	}, nil, &instance)
	if err := vk.Error(ret); err != nil {
		return nil, errors.New("vk.CreateInstance(): " + err.Error())
	}
	vk.InitInstance(instance)
	return instance, nil
}

func enumerateDevices(instance vk.Instance) ([]vk.PhysicalDevice, error) {
	var deviceCount uint32
	if err := vk.Error(vk.EnumeratePhysicalDevices(instance, &deviceCount, nil)); err != nil {
		return nil, fmt.Errorf("vulkan physical device enumeration failed: %s", err)
	}
	if deviceCount == 0 {
		return nil, errors.New("device: no Vulkan capable devices found")
	}
	availableDevices := make([]vk.PhysicalDevice, deviceCount)
	if err := vk.Error(vk.EnumeratePhysicalDevices(instance, &deviceCount, availableDevices)); err != nil {
		return nil, fmt.Errorf("vulkan physical device enumeration failed: %s", err)
	}
	return availableDevices, nil
}

// selectQueueFamilies picks a graphics family, then prefers dedicated
// compute and transfer families, falling back to the graphics family
// when the hardware exposes none.
func (d *Device) selectQueueFamilies() error {
	var familyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(d.physical, &familyCount, nil)
	families := make([]vk.QueueFamilyProperties, familyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(d.physical, &familyCount, families)
	if familyCount == 0 {
		return errors.New("device: no queue families on GPU")
	}

	graphicsFound := false
	for i := uint32(0); i < familyCount; i++ {
		families[i].Deref()
		if families[i].QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			d.graphicsFamily = i
			graphicsFound = true
			break
		}
	}
	if !graphicsFound {
		return errors.New("device: no queue family with graphics capabilities")
	}

	d.computeFamily = d.graphicsFamily
	for i := uint32(0); i < familyCount; i++ {
		flags := families[i].QueueFlags
		if flags&vk.QueueFlags(vk.QueueComputeBit) != 0 && flags&vk.QueueFlags(vk.QueueGraphicsBit) == 0 {
			d.computeFamily = i
			break
		}
	}

	d.transferFamily = d.graphicsFamily
	for i := uint32(0); i < familyCount; i++ {
		flags := families[i].QueueFlags
		if flags&vk.QueueFlags(vk.QueueTransferBit) != 0 &&
			flags&vk.QueueFlags(vk.QueueGraphicsBit) == 0 &&
			flags&vk.QueueFlags(vk.QueueComputeBit) == 0 {
			d.transferFamily = i
			break
		}
	}
	return nil
}

func (d *Device) createLogicalDevice(extraExtensions []string) error {
	uniqueFamilies := []uint32{d.graphicsFamily}
	for _, family := range []uint32{d.computeFamily, d.transferFamily} {
		seen := false
		for _, u := range uniqueFamilies {
			if u == family {
				seen = true
			}
		}
		if !seen {
			uniqueFamilies = append(uniqueFamilies, family)
		}
	}

	queueInfos := make([]vk.DeviceQueueCreateInfo, len(uniqueFamilies))
	for i, family := range uniqueFamilies {
		queueInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}
	}

	extensions := safeStrings(append([]string{vk.KhrSwapchainExtensionName}, extraExtensions...))

	var device vk.Device
	ret := vk.CreateDevice(d.physical, &vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: extensions,
		PEnabledFeatures: []vk.PhysicalDeviceFeatures{{
			SamplerAnisotropy: vk.True,
		}},
	}, nil, &device)
	if err := vk.Error(ret); err != nil {
		return errors.New("vk.CreateDevice(): " + err.Error())
	}
	d.device = device

	vk.GetDeviceQueue(d.device, d.graphicsFamily, 0, &d.graphicsQueue)
	vk.GetDeviceQueue(d.device, d.computeFamily, 0, &d.computeQueue)
	vk.GetDeviceQueue(d.device, d.transferFamily, 0, &d.transferQueue)
	return nil
}

// VK returns the logical device handle.
func (d *Device) VK() vk.Device {
	return d.device
}

// Physical returns the selected physical device.
func (d *Device) Physical() vk.PhysicalDevice {
	return d.physical
}

// Instance returns the Vulkan instance handle.
func (d *Device) Instance() vk.Instance {
	return d.instance
}

// GraphicsQueue returns the graphics capable queue.
func (d *Device) GraphicsQueue() vk.Queue {
	return d.graphicsQueue
}

// ComputeQueue returns the compute queue, dedicated when available.
func (d *Device) ComputeQueue() vk.Queue {
	return d.computeQueue
}

// TransferQueue returns the transfer queue, dedicated when available.
func (d *Device) TransferQueue() vk.Queue {
	return d.transferQueue
}

// GraphicsFamily returns the graphics queue family index.
func (d *Device) GraphicsFamily() uint32 {
	return d.graphicsFamily
}

// ComputeFamily returns the compute queue family index.
func (d *Device) ComputeFamily() uint32 {
	return d.computeFamily
}

// TransferFamily returns the transfer queue family index.
func (d *Device) TransferFamily() uint32 {
	return d.transferFamily
}

// TimestampPeriod returns nanoseconds per timestamp tick.
func (d *Device) TimestampPeriod() float32 {
	return d.timestampPeriod
}

// WaitIdle blocks until the device finishes all submitted work.
func (d *Device) WaitIdle() {
	if d.device != nil {
		vk.DeviceWaitIdle(d.device)
	}
}

// Destroy tears down the logical device and the instance.
func (d *Device) Destroy() {
	if d.device != nil {
		vk.DeviceWaitIdle(d.device)
		vk.DestroyDevice(d.device, nil)
		d.device = nil
	}
	if d.instance != nil {
		vk.DestroyInstance(d.instance, nil)
		d.instance = nil
	}
}

// safeStrings null terminates strings for passing over cgo.
func safeStrings(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		if len(s) == 0 || s[len(s)-1] != '\x00' {
			s = s + "\x00"
		}
		out[i] = s
	}
	return out
}
