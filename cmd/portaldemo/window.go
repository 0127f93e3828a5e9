// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"errors"
	"math"

	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/device"
)

// swapWindow owns the surface, swapchain and image views for one SDL
// window and satisfies render.Window.
type swapWindow struct {
	dev     *device.Device
	surface vk.Surface

	swapchain vk.Swapchain
	format    vk.Format
	extent    vk.Extent2D
	images    []vk.Image
	views     []vk.ImageView

	current  uint32
	prepared bool
}

func newSwapWindow(dev *device.Device, surface vk.Surface, width, height uint32) (*swapWindow, error) {
	w := &swapWindow{
		dev:     dev,
		surface: surface,
		extent:  vk.Extent2D{Width: width, Height: height},
	}

	var supported vk.Bool32
	if err := vk.Error(vk.GetPhysicalDeviceSurfaceSupport(dev.Physical(), dev.GraphicsFamily(), surface, &supported)); err != nil {
		return nil, errors.New("vk.GetPhysicalDeviceSurfaceSupport(): " + err.Error())
	}
	if !supported.B() {
		return nil, errors.New("graphics queue family cannot present to this surface")
	}

	if err := w.createSwapchain(); err != nil {
		return nil, err
	}
	if err := w.createImageViews(); err != nil {
		w.Destroy()
		return nil, err
	}
	w.prepared = true
	return w, nil
}

func (w *swapWindow) createSwapchain() error {
	var surfaceCapabilities vk.SurfaceCapabilities
	if err := vk.Error(vk.GetPhysicalDeviceSurfaceCapabilities(w.dev.Physical(), w.surface, &surfaceCapabilities)); err != nil {
		return errors.New("vk.GetPhysicalDeviceSurfaceCapabilities(): " + err.Error())
	}
	surfaceCapabilities.Deref()

	var surfaceFormatCount uint32
	if err := vk.Error(vk.GetPhysicalDeviceSurfaceFormats(w.dev.Physical(), w.surface, &surfaceFormatCount, nil)); err != nil {
		return errors.New("vk.GetPhysicalDeviceSurfaceFormats(): " + err.Error())
	}
	surfaceFormats := make([]vk.SurfaceFormat, surfaceFormatCount)
	if err := vk.Error(vk.GetPhysicalDeviceSurfaceFormats(w.dev.Physical(), w.surface, &surfaceFormatCount, surfaceFormats)); err != nil {
		return errors.New("vk.GetPhysicalDeviceSurfaceFormats(): " + err.Error())
	}
	surfaceFormats[0].Deref()
	w.format = surfaceFormats[0].Format
	colorspace := surfaceFormats[0].ColorSpace

	imageCount := surfaceCapabilities.MinImageCount + 1
	if surfaceCapabilities.MaxImageCount > 0 && imageCount > surfaceCapabilities.MaxImageCount {
		imageCount = surfaceCapabilities.MaxImageCount
	}

	var swapchain vk.Swapchain
	scci := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          w.surface,
		MinImageCount:    imageCount,
		ImageFormat:      w.format,
		ImageColorSpace:  colorspace,
		ImageExtent:      w.extent,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit),
		PreTransform:     vk.SurfaceTransformIdentityBit,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      vk.PresentModeFifo,
		Clipped:          vk.True,
		ImageArrayLayers: 1,
		ImageSharingMode: vk.SharingModeExclusive,
	}
	if err := vk.Error(vk.CreateSwapchain(w.dev.VK(), &scci, nil, &swapchain)); err != nil {
		return errors.New("vk.CreateSwapchain(): " + err.Error())
	}
	w.swapchain = swapchain

	var numImages uint32
	if err := vk.Error(vk.GetSwapchainImages(w.dev.VK(), w.swapchain, &numImages, nil)); err != nil {
		return errors.New("vk.GetSwapchainImages(num): " + err.Error())
	}
	w.images = make([]vk.Image, numImages)
	if err := vk.Error(vk.GetSwapchainImages(w.dev.VK(), w.swapchain, &numImages, w.images)); err != nil {
		return errors.New("vk.GetSwapchainImages(images): " + err.Error())
	}
	return nil
}

func (w *swapWindow) createImageViews() error {
	for _, image := range w.images {
		var view vk.ImageView
		ivci := vk.ImageViewCreateInfo{
			SType:    vk.StructureTypeImageViewCreateInfo,
			Image:    image,
			ViewType: vk.ImageViewType2d,
			Format:   w.format,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LevelCount: 1,
				LayerCount: 1,
			},
		}
		if err := vk.Error(vk.CreateImageView(w.dev.VK(), &ivci, nil, &view)); err != nil {
			return errors.New("vk.CreateImageView(): " + err.Error())
		}
		w.views = append(w.views, view)
	}
	return nil
}

// Extent implements render.Window.
func (w *swapWindow) Extent() (uint32, uint32) {
	return w.extent.Width, w.extent.Height
}

// CurrentImageView implements render.Window.
func (w *swapWindow) CurrentImageView() vk.ImageView {
	return w.views[w.current]
}

// SurfaceFormat implements render.Window.
func (w *swapWindow) SurfaceFormat() vk.Format {
	return w.format
}

// Prepared implements render.Window.
func (w *swapWindow) Prepared() bool {
	return w.prepared
}

// CurrentImage returns the image acquired last.
func (w *swapWindow) CurrentImage() vk.Image {
	return w.images[w.current]
}

// Acquire blocks for the next swapchain image and signals sem when it
// is ready to be rendered to.
func (w *swapWindow) Acquire(sem vk.Semaphore) error {
	result := vk.AcquireNextImage(w.dev.VK(), w.swapchain, math.MaxUint64, sem, vk.NullFence, &w.current)
	if err := vk.Error(result); err != nil {
		return errors.New("vk.AcquireNextImage(): " + err.Error())
	}
	return nil
}

// Present queues the current image for presentation after wait signals.
func (w *swapWindow) Present(queue vk.Queue, wait vk.Semaphore) error {
	presentInfo := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{wait},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{w.swapchain},
		PImageIndices:      []uint32{w.current},
	}
	if err := vk.Error(vk.QueuePresent(queue, &presentInfo)); err != nil {
		return errors.New("vk.QueuePresent(): " + err.Error())
	}
	return nil
}

// Destroy tears down the views and the swapchain. The surface belongs
// to SDL and dies with the instance.
func (w *swapWindow) Destroy() {
	for _, view := range w.views {
		vk.DestroyImageView(w.dev.VK(), view, nil)
	}
	w.views = nil
	if w.swapchain != vk.NullSwapchain {
		vk.DestroySwapchain(w.dev.VK(), w.swapchain, nil)
		w.swapchain = vk.NullSwapchain
	}
	w.prepared = false
}
