// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package render

import (
	"testing"

	qt "github.com/frankban/quicktest"
	glm "github.com/go-gl/mathgl/mgl32"
	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/device"
	"github.com/devblok/portal/foundry"
	"github.com/devblok/portal/journal"
	"github.com/devblok/portal/spirv"
)

// stubWindow satisfies Window without a presentation service behind it.
type stubWindow struct {
	width, height uint32
	view          vk.ImageView
	format        vk.Format
	prepared      bool
}

func (w *stubWindow) Extent() (uint32, uint32)       { return w.width, w.height }
func (w *stubWindow) CurrentImageView() vk.ImageView { return w.view }
func (w *stubWindow) SurfaceFormat() vk.Format       { return w.format }
func (w *stubWindow) Prepared() bool                 { return w.prepared }

// bareFlow builds a flow without a device, enough for the pure
// bookkeeping paths under test.
func bareFlow() *Flow {
	return &Flow{
		log:       journal.New("render"),
		pipelines: make(map[PipelineID]*pipeline),
		windows:   make(map[Window]*association),
		brackets:  make(map[bracketKey]vk.Image),
		passes:    make(map[passKey]vk.RenderPass),
	}
}

func newTestFlow(t *testing.T) (*device.Device, *foundry.Foundry, *Flow) {
	t.Helper()
	dev, err := device.New(device.Config{AppName: "render-test"})
	if err != nil {
		t.Skipf("no vulkan device: %v", err)
	}
	f, err := foundry.New(dev, foundry.DefaultCompilerConfig())
	if err != nil {
		dev.Destroy()
		t.Fatal(err)
	}
	r, err := NewFlow(f)
	if err != nil {
		f.Shutdown()
		dev.Destroy()
		t.Fatal(err)
	}
	return dev, f, r
}

func TestWindowRegistry(t *testing.T) {
	c := qt.New(t)
	r := bareFlow()
	w := &stubWindow{width: 640, height: 480, prepared: true}

	journal.ResetErrorCount()
	r.RegisterWindowForRendering(w)
	r.RegisterWindowForRendering(w)
	c.Assert(r.IsWindowRegistered(w), qt.IsTrue)
	c.Assert(r.RegisteredWindows(), qt.HasLen, 1)
	c.Assert(journal.ErrorCount(), qt.Equals, uint64(0))

	r.UnregisterWindow(w)
	c.Assert(r.IsWindowRegistered(w), qt.IsFalse)
}

func TestRegisterUnpreparedWindowWarnsButSucceeds(t *testing.T) {
	c := qt.New(t)
	r := bareFlow()
	w := &stubWindow{width: 640, height: 480}

	journal.ResetErrorCount()
	r.RegisterWindowForRendering(w)
	c.Assert(r.IsWindowRegistered(w), qt.IsTrue)
	c.Assert(journal.ErrorCount(), qt.Equals, uint64(0))
}

func TestRegisterNilWindowIsLogged(t *testing.T) {
	c := qt.New(t)
	r := bareFlow()

	journal.ResetErrorCount()
	r.RegisterWindowForRendering(nil)
	c.Assert(journal.ErrorCount(), qt.Equals, uint64(1))
	c.Assert(r.RegisteredWindows(), qt.HasLen, 0)
}

func TestBeginRenderingRejectsBadArguments(t *testing.T) {
	r := bareFlow()
	degenerate := &stubWindow{width: 0, height: 480, prepared: true}

	cases := []struct {
		name string
		call func()
	}{
		{"NilWindow", func() { r.BeginRendering(1, nil, vk.NullImage, glm.Vec4{}) }},
		{"DegenerateExtent", func() { r.BeginRendering(1, degenerate, vk.NullImage, glm.Vec4{}) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			journal.ResetErrorCount()
			tc.call()
			if got := journal.ErrorCount(); got != 1 {
				t.Errorf("expected exactly one logged error, got %d", got)
			}
		})
	}
}

func TestUnbalancedEndRendering(t *testing.T) {
	c := qt.New(t)
	r := bareFlow()
	w := &stubWindow{width: 640, height: 480, prepared: true}
	r.RegisterWindowForRendering(w)

	journal.ResetErrorCount()
	r.EndRendering(1, w)
	c.Assert(journal.ErrorCount(), qt.Equals, uint64(1))
}

func TestUnknownPipelineIsLoggedNoOp(t *testing.T) {
	r := bareFlow()

	cases := []struct {
		name string
		call func()
	}{
		{"BindPipeline", func() { r.BindPipeline(1, 99, 640, 480) }},
		{"BindDescriptorSets", func() { r.BindDescriptorSets(1, 99, 0, 1) }},
		{"PushConstants", func() { r.PushConstants(1, 99, []byte{1, 2, 3, 4}) }},
		{"AllocateDescriptors", func() { r.AllocatePipelineDescriptors(99) }},
		{"DestroyPipeline", func() { r.DestroyPipeline(99) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			journal.ResetErrorCount()
			tc.call()
			if got := journal.ErrorCount(); got != 1 {
				t.Errorf("expected exactly one logged error, got %d", got)
			}
		})
	}
}

func TestTrackedTargetOutsideBracket(t *testing.T) {
	c := qt.New(t)
	r := bareFlow()
	w := &stubWindow{width: 640, height: 480, prepared: true}

	c.Assert(r.TrackedTarget(w), qt.Equals, vk.NullImage)
	r.RegisterWindowForRendering(w)
	c.Assert(r.TrackedTarget(w), qt.Equals, vk.NullImage)
}

const testVertexShader = `#version 450
layout(location = 0) out vec3 fragColor;
vec2 positions[3] = vec2[](vec2(0.0, -0.5), vec2(0.5, 0.5), vec2(-0.5, 0.5));
void main() {
	gl_Position = vec4(positions[gl_VertexIndex], 0.0, 1.0);
	fragColor = vec3(1.0, 0.0, 0.0);
}
`

const testFragmentShader = `#version 450
layout(location = 0) in vec3 fragColor;
layout(location = 0) out vec4 outColor;
void main() {
	outColor = vec4(fragColor, 1.0);
}
`

func TestOffscreenRenderScenario(t *testing.T) {
	dev, f, r := newTestFlow(t)
	defer dev.Destroy()
	defer f.Shutdown()
	defer r.Shutdown()

	vert := f.LoadShader(testVertexShader, spirv.StageVertex, "")
	if vert == 0 {
		t.Skip("no GLSL compiler on host")
	}
	frag := f.LoadShader(testFragmentShader, spirv.StageFragment, "")
	if frag == 0 {
		t.Fatal("fragment shader did not compile")
	}

	const format = vk.FormatR8g8b8a8Unorm
	image, memory, view := makeRenderTarget(t, dev, format, 64, 64)
	defer func() {
		vk.DestroyImageView(dev.VK(), view, nil)
		vk.DestroyImage(dev.VK(), image, nil)
		vk.FreeMemory(dev.VK(), memory, nil)
	}()

	w := &stubWindow{width: 64, height: 64, view: view, format: format, prepared: true}
	r.RegisterWindowForRendering(w)

	pl := r.CreatePipeline(PipelineConfig{
		VertexShader:   vert,
		FragmentShader: frag,
		Topology:       vk.PrimitiveTopologyTriangleList,
	}, []vk.Format{format}, vk.FormatUndefined)
	if pl == 0 {
		t.Fatal("pipeline creation failed")
	}
	defer r.DestroyPipeline(pl)

	journal.ResetErrorCount()
	cmd := f.BeginCommands(foundry.CommandGraphics)
	if cmd == 0 {
		t.Fatal("could not begin graphics commands")
	}

	r.BeginRendering(cmd, w, image, glm.Vec4{0, 0, 0, 1})
	if r.TrackedTarget(w) != image {
		t.Error("target not tracked inside the bracket")
	}
	r.BindPipeline(cmd, pl, 64, 64)
	r.Draw(cmd, 3, 1, 0, 0)
	r.EndRendering(cmd, w)

	f.SubmitAndWait(cmd)

	if got := journal.ErrorCount(); got != 0 {
		t.Errorf("scenario logged %d errors", got)
	}
	if r.TrackedTarget(w) != vk.NullImage {
		t.Error("target still tracked after the bracket closed")
	}
}

func TestEndRenderingAfterBufferFreed(t *testing.T) {
	dev, f, r := newTestFlow(t)
	defer dev.Destroy()
	defer f.Shutdown()
	defer r.Shutdown()

	const format = vk.FormatR8g8b8a8Unorm
	image, memory, view := makeRenderTarget(t, dev, format, 32, 32)
	defer func() {
		vk.DestroyImageView(dev.VK(), view, nil)
		vk.DestroyImage(dev.VK(), image, nil)
		vk.FreeMemory(dev.VK(), memory, nil)
	}()

	w := &stubWindow{width: 32, height: 32, view: view, format: format, prepared: true}
	r.RegisterWindowForRendering(w)

	cmd := f.BeginCommands(foundry.CommandGraphics)
	if cmd == 0 {
		t.Fatal("could not begin graphics commands")
	}

	journal.ResetErrorCount()
	r.BeginRendering(cmd, w, image, glm.Vec4{0, 0, 0, 1})
	if got := journal.ErrorCount(); got != 0 {
		t.Fatalf("begin logged %d errors", got)
	}

	// The recording session goes away while the bracket is open.
	f.FreeAllCommandBuffers()

	r.EndRendering(cmd, w)
	if got := journal.ErrorCount(); got != 1 {
		t.Errorf("expected exactly one logged error, got %d", got)
	}
	if r.TrackedTarget(w) != vk.NullImage {
		t.Error("target still tracked after the failed end")
	}
}

// makeRenderTarget allocates a device local color attachment image
// with a matching view.
func makeRenderTarget(t *testing.T, dev *device.Device, format vk.Format, width, height uint32) (vk.Image, vk.DeviceMemory, vk.ImageView) {
	t.Helper()

	var image vk.Image
	ret := vk.CreateImage(dev.VK(), &vk.ImageCreateInfo{
		SType:       vk.StructureTypeImageCreateInfo,
		ImageType:   vk.ImageType2d,
		Format:      format,
		Extent:      vk.Extent3D{Width: width, Height: height, Depth: 1},
		MipLevels:   1,
		ArrayLayers: 1,
		Samples:     vk.SampleCount1Bit,
		Tiling:      vk.ImageTilingOptimal,
		Usage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit) | vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &image)
	if err := vk.Error(ret); err != nil {
		t.Fatalf("vk.CreateImage(): %v", err)
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(dev.VK(), image, &memReqs)
	memReqs.Deref()

	memType, ok := deviceMemoryType(dev, memReqs.MemoryTypeBits, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if !ok {
		t.Fatal("no device local memory type")
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
	vk.BindImageMemory(dev.VK(), image, memory, 0)

	var view vk.ImageView
	ret = vk.CreateImageView(dev.VK(), &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: vk.ImageViewType2d,
		Format:   format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LevelCount: 1,
			LayerCount: 1,
		},
	}, nil, &view)
	if err := vk.Error(ret); err != nil {
		t.Fatalf("vk.CreateImageView(): %v", err)
	}
	return image, memory, view
}

func deviceMemoryType(dev *device.Device, typeBits uint32, props vk.MemoryPropertyFlags) (uint32, bool) {
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
