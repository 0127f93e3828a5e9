// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package foundry

import (
	"errors"

	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/journal"
	"github.com/devblok/portal/spirv"
)

// LayoutBinding is one slot in a descriptor set layout, given in the
// backend independent terms reflection produces.
type LayoutBinding struct {
	Binding uint32
	Type    spirv.DescriptorType
	Count   uint32
	Stages  vk.ShaderStageFlags
}

// descriptorTypeToVK maps reflected descriptor types to the backend.
func descriptorTypeToVK(t spirv.DescriptorType) vk.DescriptorType {
	switch t {
	case spirv.DescriptorStorageBuffer:
		return vk.DescriptorTypeStorageBuffer
	case spirv.DescriptorSampledImage:
		return vk.DescriptorTypeSampledImage
	case spirv.DescriptorStorageImage:
		return vk.DescriptorTypeStorageImage
	case spirv.DescriptorCombinedSampler:
		return vk.DescriptorTypeCombinedImageSampler
	case spirv.DescriptorSampler:
		return vk.DescriptorTypeSampler
	default:
		return vk.DescriptorTypeUniformBuffer
	}
}

// NewSetLayout builds a descriptor set layout from binding slots.
// The caller owns the returned layout; pipelines built by the
// compute and render layers destroy the layouts they created.
func (f *Foundry) NewSetLayout(bindings []LayoutBinding) (vk.DescriptorSetLayout, error) {
	vkBindings := make([]vk.DescriptorSetLayoutBinding, len(bindings))
	for i, b := range bindings {
		count := b.Count
		if count == 0 {
			count = 1
		}
		stages := b.Stages
		if stages == 0 {
			stages = vk.ShaderStageFlags(vk.ShaderStageAllGraphics) | vk.ShaderStageFlags(vk.ShaderStageComputeBit)
		}
		vkBindings[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  descriptorTypeToVK(b.Type),
			DescriptorCount: count,
			StageFlags:      stages,
		}
	}

	var layout vk.DescriptorSetLayout
	ret := vk.CreateDescriptorSetLayout(f.dev.VK(), &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(vkBindings)),
		PBindings:    vkBindings,
	}, nil, &layout)
	if err := vk.Error(ret); err != nil {
		return vk.NullDescriptorSetLayout, errors.New("vk.CreateDescriptorSetLayout(): " + err.Error())
	}
	return layout, nil
}

// DestroySetLayout releases a layout created with NewSetLayout.
func (f *Foundry) DestroySetLayout(layout vk.DescriptorSetLayout) {
	if layout != vk.NullDescriptorSetLayout {
		vk.DestroyDescriptorSetLayout(f.dev.VK(), layout, nil)
	}
}

// AllocateDescriptorSet allocates one set from the shared pool.
// Returns 0 when the pool is exhausted or the layout is invalid.
func (f *Foundry) AllocateDescriptorSet(layout vk.DescriptorSetLayout) DescriptorSetID {
	var set vk.DescriptorSet
	ret := vk.AllocateDescriptorSets(f.dev.VK(), &vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     f.descriptorPool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{layout},
	}, &set)
	if err := vk.Error(ret); err != nil {
		f.log.Errorf(journal.ContextDescriptors, "vk.AllocateDescriptorSets(): %s", err.Error())
		return 0
	}

	id := f.mintSetID()
	f.descriptorMu.Lock()
	f.descriptorSets[id] = set
	f.descriptorMu.Unlock()
	return id
}

// FreeDescriptorSet returns a set to the pool.
func (f *Foundry) FreeDescriptorSet(id DescriptorSetID) {
	f.descriptorMu.Lock()
	set, ok := f.descriptorSets[id]
	if ok {
		delete(f.descriptorSets, id)
	}
	f.descriptorMu.Unlock()
	if !ok {
		f.log.Errorf(journal.ContextDescriptors, "free: unknown descriptor set %d", id)
		return
	}
	vk.FreeDescriptorSets(f.dev.VK(), f.descriptorPool, 1, &set)
}

// DescriptorSet resolves an identifier to the backend handle,
// vk.NullDescriptorSet when unknown.
func (f *Foundry) DescriptorSet(id DescriptorSetID) vk.DescriptorSet {
	f.descriptorMu.Lock()
	defer f.descriptorMu.Unlock()
	if set, ok := f.descriptorSets[id]; ok {
		return set
	}
	return vk.NullDescriptorSet
}

// UpdateDescriptorBuffer points a buffer binding of a set at a
// buffer range. The write is immediate and unsynchronized; callers
// must not update a set that is in flight on the GPU.
func (f *Foundry) UpdateDescriptorBuffer(id DescriptorSetID, binding uint32, dtype spirv.DescriptorType, buffer vk.Buffer, offset, size vk.DeviceSize) {
	set := f.DescriptorSet(id)
	if set == vk.NullDescriptorSet {
		f.log.Errorf(journal.ContextDescriptors, "update buffer: unknown descriptor set %d", id)
		return
	}

	vk.UpdateDescriptorSets(f.dev.VK(), 1, []vk.WriteDescriptorSet{{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          set,
		DstBinding:      binding,
		DescriptorCount: 1,
		DescriptorType:  descriptorTypeToVK(dtype),
		PBufferInfo: []vk.DescriptorBufferInfo{{
			Buffer: buffer,
			Offset: offset,
			Range:  size,
		}},
	}}, 0, nil)
}

// UpdateDescriptorImage points a combined image sampler binding at a
// sampled image view.
func (f *Foundry) UpdateDescriptorImage(id DescriptorSetID, binding uint32, sampler vk.Sampler, view vk.ImageView, layout vk.ImageLayout) {
	set := f.DescriptorSet(id)
	if set == vk.NullDescriptorSet {
		f.log.Errorf(journal.ContextDescriptors, "update image: unknown descriptor set %d", id)
		return
	}

	vk.UpdateDescriptorSets(f.dev.VK(), 1, []vk.WriteDescriptorSet{{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          set,
		DstBinding:      binding,
		DescriptorCount: 1,
		DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
		PImageInfo: []vk.DescriptorImageInfo{{
			Sampler:     sampler,
			ImageView:   view,
			ImageLayout: layout,
		}},
	}}, 0, nil)
}

// UpdateDescriptorStorageImage points a storage image binding at a
// writable image view.
func (f *Foundry) UpdateDescriptorStorageImage(id DescriptorSetID, binding uint32, view vk.ImageView, layout vk.ImageLayout) {
	set := f.DescriptorSet(id)
	if set == vk.NullDescriptorSet {
		f.log.Errorf(journal.ContextDescriptors, "update storage image: unknown descriptor set %d", id)
		return
	}

	vk.UpdateDescriptorSets(f.dev.VK(), 1, []vk.WriteDescriptorSet{{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          set,
		DstBinding:      binding,
		DescriptorCount: 1,
		DescriptorType:  vk.DescriptorTypeStorageImage,
		PImageInfo: []vk.DescriptorImageInfo{{
			ImageView:   view,
			ImageLayout: layout,
		}},
	}}, 0, nil)
}
