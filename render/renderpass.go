// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package render

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/journal"
)

// passKey fingerprints the attachment formats a render pass covers.
type passKey string

func passKeyFor(colorFormats []vk.Format, depthFormat vk.Format) passKey {
	return passKey(fmt.Sprintf("%v|%d", colorFormats, depthFormat))
}

// ensurePass returns the cached render pass for the given attachment
// formats, creating it on first use. Color attachments are cleared on
// load and transition from undefined straight to a presentable
// layout, which is what lets the begin/end bracket work without
// explicit barriers. Returns vk.NullRenderPass on failure.
func (r *Flow) ensurePass(colorFormats []vk.Format, depthFormat vk.Format) vk.RenderPass {
	key := passKeyFor(colorFormats, depthFormat)
	r.mu.Lock()
	pass, ok := r.passes[key]
	r.mu.Unlock()
	if ok {
		return pass
	}

	attachments := make([]vk.AttachmentDescription, 0, len(colorFormats)+1)
	colorRefs := make([]vk.AttachmentReference, len(colorFormats))
	for i, format := range colorFormats {
		attachments = append(attachments, vk.AttachmentDescription{
			Format:         format,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpClear,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    vk.ImageLayoutPresentSrc,
		})
		colorRefs[i] = vk.AttachmentReference{
			Attachment: uint32(i),
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		}
	}

	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(len(colorRefs)),
		PColorAttachments:    colorRefs,
	}
	if depthFormat != vk.FormatUndefined {
		attachments = append(attachments, vk.AttachmentDescription{
			Format:         depthFormat,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpClear,
			StoreOp:        vk.AttachmentStoreOpDontCare,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
		})
		subpass.PDepthStencilAttachment = &vk.AttachmentReference{
			Attachment: uint32(len(attachments) - 1),
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
	}

	// The external dependency orders the implicit layout transition
	// against prior reads of the same attachment.
	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
	}

	var created vk.RenderPass
	ret := vk.CreateRenderPass(r.f.Device().VK(), &vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}, nil, &created)
	if err := vk.Error(ret); err != nil {
		r.log.Errorf(journal.ContextRendering, "vk.CreateRenderPass(): %s", err.Error())
		return vk.NullRenderPass
	}

	r.mu.Lock()
	if existing, ok := r.passes[key]; ok {
		r.mu.Unlock()
		vk.DestroyRenderPass(r.f.Device().VK(), created, nil)
		return existing
	}
	r.passes[key] = created
	r.mu.Unlock()
	return created
}

// ensureFramebuffer returns the framebuffer binding the view to the
// pass at the given extent, rebuilding it when the cached one was
// created for a different extent. Returns vk.NullFramebuffer on
// failure.
func (r *Flow) ensureFramebuffer(assoc *association, pass vk.RenderPass, view vk.ImageView, width, height uint32) vk.Framebuffer {
	r.mu.Lock()
	if assoc.framebuffers == nil {
		assoc.framebuffers = make(map[vk.ImageView]framebuffer)
	}
	fb, ok := assoc.framebuffers[view]
	if ok && fb.width == width && fb.height == height {
		r.mu.Unlock()
		return fb.handle
	}
	delete(assoc.framebuffers, view)
	r.mu.Unlock()
	if ok {
		vk.DestroyFramebuffer(r.f.Device().VK(), fb.handle, nil)
	}

	var handle vk.Framebuffer
	ret := vk.CreateFramebuffer(r.f.Device().VK(), &vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      pass,
		AttachmentCount: 1,
		PAttachments:    []vk.ImageView{view},
		Width:           width,
		Height:          height,
		Layers:          1,
	}, nil, &handle)
	if err := vk.Error(ret); err != nil {
		r.log.Errorf(journal.ContextRendering, "vk.CreateFramebuffer(): %s", err.Error())
		return vk.NullFramebuffer
	}

	r.mu.Lock()
	assoc.framebuffers[view] = framebuffer{handle: handle, width: width, height: height}
	r.mu.Unlock()
	return handle
}

// releaseFramebuffers destroys a window's cached framebuffers.
func (r *Flow) releaseFramebuffers(fbs map[vk.ImageView]framebuffer) {
	for _, fb := range fbs {
		vk.DestroyFramebuffer(r.f.Device().VK(), fb.handle, nil)
	}
}
