// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package device

import (
	vk "github.com/goki/vulkan"
)

// PhysicalDeviceInfo describes the properties of one physical device.
// It marshals cleanly to JSON for the info tool.
type PhysicalDeviceInfo struct {
	ID            int      `json:"id"`
	VendorID      int      `json:"vendorId"`
	DriverVersion int      `json:"driverVersion"`
	APIVersion    int      `json:"apiVersion"`
	Name          string   `json:"name"`
	Invalid       bool     `json:"invalid"`
	Extensions    []string `json:"extensions"`
	Layers        []string `json:"layers"`
	Memory        uint     `json:"memoryBytes"`
}

// Enumerate lists properties of every physical device on the instance.
// A device failing its extension or layer queries is reported with
// Invalid set instead of aborting the whole listing.
func Enumerate(instance vk.Instance) ([]PhysicalDeviceInfo, error) {
	physicalDevices, err := enumerateDevices(instance)
	if err != nil {
		return nil, err
	}

	infos := make([]PhysicalDeviceInfo, len(physicalDevices))
	for i, pd := range physicalDevices {
		infos[i] = describeDevice(pd)
	}
	return infos, nil
}

// describeDevice collects the JSON friendly description of one
// physical device.
func describeDevice(pd vk.PhysicalDevice) PhysicalDeviceInfo {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(pd, &props)
	props.Deref()

	info := PhysicalDeviceInfo{
		ID:            int(props.DeviceID),
		VendorID:      int(props.VendorID),
		DriverVersion: int(props.DriverVersion),
		APIVersion:    int(props.ApiVersion),
		Name:          vk.ToString(props.DeviceName[:]),
	}

	extensions, err := deviceExtensionNames(pd)
	if err != nil {
		info.Invalid = true
	}
	info.Extensions = extensions

	layers, err := deviceLayerNames(pd)
	if err != nil {
		info.Invalid = true
	}
	info.Layers = layers

	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(pd, &memProps)
	memProps.Deref()
	for heap := uint32(0); heap < memProps.MemoryHeapCount; heap++ {
		memProps.MemoryHeaps[heap].Deref()
		info.Memory += uint(memProps.MemoryHeaps[heap].Size)
	}
	return info
}

// deviceExtensionNames issues the count call followed by the fill
// call and unwraps the property names.
func deviceExtensionNames(pd vk.PhysicalDevice) ([]string, error) {
	var count uint32
	if err := vk.Error(vk.EnumerateDeviceExtensionProperties(pd, "", &count, nil)); err != nil {
		return nil, err
	}
	props := make([]vk.ExtensionProperties, count)
	if err := vk.Error(vk.EnumerateDeviceExtensionProperties(pd, "", &count, props)); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(props))
	for i := range props {
		props[i].Deref()
		names = append(names, vk.ToString(props[i].ExtensionName[:]))
	}
	return names, nil
}

func deviceLayerNames(pd vk.PhysicalDevice) ([]string, error) {
	var count uint32
	if err := vk.Error(vk.EnumerateDeviceLayerProperties(pd, &count, nil)); err != nil {
		return nil, err
	}
	props := make([]vk.LayerProperties, count)
	if err := vk.Error(vk.EnumerateDeviceLayerProperties(pd, &count, props)); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(props))
	for i := range props {
		props[i].Deref()
		names = append(names, vk.ToString(props[i].LayerName[:]))
	}
	return names, nil
}

// Probe lists physical devices through a throwaway instance. It never
// creates a logical device, so it also works on hosts where device
// creation would fail.
func Probe(cfg Config) ([]PhysicalDeviceInfo, error) {
	instance, err := newInstance(cfg)
	if err != nil {
		return nil, err
	}
	defer vk.DestroyInstance(instance, nil)
	return Enumerate(instance)
}

// Info returns the PhysicalDeviceInfo of the device in use.
func (d *Device) Info() PhysicalDeviceInfo {
	return describeDevice(d.physical)
}
