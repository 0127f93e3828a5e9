// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Renders a colored triangle into an SDL window, exercising the whole
// stack: device, foundry compiled shaders, a graphics pipeline and
// per frame submission.
package main

import (
	"log"
	"runtime"
	"time"

	glm "github.com/go-gl/mathgl/mgl32"
	"github.com/gobuffalo/packr"
	vk "github.com/goki/vulkan"
	"github.com/veandco/go-sdl2/sdl"

	"github.com/devblok/portal/device"
	"github.com/devblok/portal/foundry"
	"github.com/devblok/portal/render"
	"github.com/devblok/portal/spirv"
)

func init() {
	runtime.LockOSThread()
}

const (
	screenWidth     = 800
	screenHeight    = 600
	framesPerSecond = 60
)

// Shaders travel inside the binary.
var shaderBox = packr.NewBox("./shaders")

func main() {
	if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_EVENTS); err != nil {
		panic(err)
	}
	defer sdl.Quit()

	if err := sdl.VulkanLoadLibrary(""); err != nil {
		panic(err)
	}
	defer sdl.VulkanUnloadLibrary()

	sdlWindow, err := sdl.CreateWindow("Portal",
		sdl.WINDOWPOS_UNDEFINED,
		sdl.WINDOWPOS_UNDEFINED,
		screenWidth, screenHeight,
		sdl.WINDOW_VULKAN)
	if err != nil {
		panic(err)
	}
	defer sdlWindow.Destroy()

	dev, err := device.New(device.Config{
		AppName:    "portaldemo",
		Extensions: sdlWindow.VulkanGetInstanceExtensions(),
		ProcAddr:   sdl.VulkanGetVkGetInstanceProcAddr(),
	})
	if err != nil {
		panic(err)
	}
	defer dev.Destroy()

	surfacePtr, err := sdlWindow.VulkanCreateSurface(dev.Instance())
	if err != nil {
		panic(err)
	}
	surface := vk.SurfaceFromPointer(uintptr(surfacePtr))

	window, err := newSwapWindow(dev, surface, screenWidth, screenHeight)
	if err != nil {
		panic(err)
	}
	defer window.Destroy()

	f, err := foundry.New(dev, foundry.ConfigFromEnv(foundry.DefaultCompilerConfig()))
	if err != nil {
		panic(err)
	}
	defer f.Shutdown()

	flow, err := render.NewFlow(f)
	if err != nil {
		panic(err)
	}
	defer flow.Shutdown()
	flow.RegisterWindowForRendering(window)

	vert := f.LoadShader(shaderBox.String("triangle.vert"), spirv.StageVertex, "")
	frag := f.LoadShader(shaderBox.String("triangle.frag"), spirv.StageFragment, "")
	if vert == 0 || frag == 0 {
		log.Fatal("shader compilation failed, is glslc on PATH?")
	}

	pipeline := flow.CreatePipeline(render.PipelineConfig{
		VertexShader:   vert,
		FragmentShader: frag,
		Topology:       vk.PrimitiveTopologyTriangleList,
	}, []vk.Format{window.SurfaceFormat()}, vk.FormatUndefined)
	if pipeline == 0 {
		log.Fatal("pipeline creation failed")
	}
	defer flow.DestroyPipeline(pipeline)

	acquireSem := f.NewSemaphore()
	if acquireSem == 0 {
		log.Fatal("semaphore creation failed")
	}
	defer f.DestroySemaphore(acquireSem)

	ticker := time.NewTicker(time.Second / framesPerSecond)
	defer ticker.Stop()
	exitC := make(chan struct{}, 2)

EventLoop:
	for {
		select {
		case <-exitC:
			log.Println("Event loop exited")
			break EventLoop
		case <-ticker.C:
			var event sdl.Event
			for event = sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
				switch et := event.(type) {
				case *sdl.KeyboardEvent:
					if et.Keysym.Sym == sdl.K_ESCAPE {
						exitC <- struct{}{}
						continue EventLoop
					}
				case *sdl.QuitEvent:
					exitC <- struct{}{}
					continue EventLoop
				}
			}

			if err := drawFrame(f, flow, window, pipeline, acquireSem); err != nil {
				log.Println(err)
				exitC <- struct{}{}
			}
		}
	}

	dev.WaitIdle()
}

func drawFrame(f *foundry.Foundry, flow *render.Flow, window *swapWindow, pipeline render.PipelineID, acquireSem foundry.SemaphoreID) error {
	if err := window.Acquire(f.Semaphore(acquireSem)); err != nil {
		return err
	}

	cmd := f.BeginCommandsWithWait(foundry.CommandGraphics, acquireSem,
		vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit))

	flow.BeginRendering(cmd, window, window.CurrentImage(), glm.Vec4{0.01, 0.01, 0.02, 1.0})
	flow.BindPipeline(cmd, pipeline, screenWidth, screenHeight)
	flow.Draw(cmd, 3, 1, 0, 0)
	flow.EndRendering(cmd, window)

	fence, renderDone := f.SubmitWithSignal(cmd)
	if fence == 0 {
		return nil
	}
	err := window.Present(f.Device().GraphicsQueue(), f.Semaphore(renderDone))

	// The next frame reuses the acquire semaphore, so the frame has to
	// fully retire first.
	f.WaitForFence(fence)
	f.DestroyFence(fence)
	f.DestroySemaphore(renderDone)
	f.FreeAllCommandBuffers()
	return err
}
