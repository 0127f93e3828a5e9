// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package foundry compiles and caches shaders and owns all device level
// resources the recording layers share: the descriptor pool, the command
// pools per queue kind, fences, semaphores and timestamp query pools.
// Consumers hold opaque uint64 identifiers; 0 is the universal invalid
// value. Identifier based calls never panic across the recording
// boundary: an unknown identifier is logged and the call becomes a
// no-op returning the invalid value.
package foundry

import (
	"errors"
	"sync"
	"sync/atomic"

	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/device"
	"github.com/devblok/portal/journal"
)

// Identifier kinds minted by the foundry. Zero is never issued.
type (
	// ShaderID identifies a compiled shader module.
	ShaderID uint64

	// DescriptorSetID identifies an allocated descriptor set.
	DescriptorSetID uint64

	// CommandBufferID identifies a command recording session.
	CommandBufferID uint64

	// FenceID identifies a CPU observable completion signal.
	FenceID uint64

	// SemaphoreID identifies a GPU side ordering signal.
	SemaphoreID uint64
)

// ErrShutDown is returned by New when the device handle is missing.
var ErrShutDown = errors.New("foundry: device is nil or destroyed")

const descriptorPoolSets = 1024

// Foundry is the sole owner of shaders, descriptor sets, command
// buffers and synchronization primitives. Construct one per device
// and pass it by pointer to every consumer.
type Foundry struct {
	dev *device.Device
	log *journal.Logger

	cfgMu sync.RWMutex
	cfg   CompilerConfig

	nextShader  uint64
	nextSet     uint64
	nextCommand uint64
	nextFence   uint64
	nextSem     uint64

	shaderMu sync.RWMutex
	shaders  map[ShaderID]*shader
	cache    map[string]ShaderID

	descriptorMu   sync.Mutex
	descriptorPool vk.DescriptorPool
	descriptorSets map[DescriptorSetID]vk.DescriptorSet

	commandMu     sync.Mutex
	pools         map[CommandType]vk.CommandPool
	commands      map[CommandBufferID]*commandBuffer
	inheritPasses map[vk.Format]vk.RenderPass

	syncMu     sync.Mutex
	fences     map[FenceID]*fence
	semaphores map[SemaphoreID]vk.Semaphore

	stopped bool
}

// New creates a Foundry on the given device. The shared descriptor
// pool and the per queue kind command pools are created up front.
func New(dev *device.Device, cfg CompilerConfig) (*Foundry, error) {
	if dev == nil || dev.VK() == nil {
		return nil, ErrShutDown
	}
	if cfg.Compiler == "" {
		cfg.Compiler = "glslc"
	}
	if cfg.EntryPoint == "" {
		cfg.EntryPoint = "main"
	}

	f := &Foundry{
		dev:            dev,
		cfg:            cfg,
		log:            journal.New("foundry"),
		shaders:        make(map[ShaderID]*shader),
		cache:          make(map[string]ShaderID),
		descriptorSets: make(map[DescriptorSetID]vk.DescriptorSet),
		pools:          make(map[CommandType]vk.CommandPool),
		commands:       make(map[CommandBufferID]*commandBuffer),
		inheritPasses:  make(map[vk.Format]vk.RenderPass),
		fences:         make(map[FenceID]*fence),
		semaphores:     make(map[SemaphoreID]vk.Semaphore),
	}

	if err := f.createDescriptorPool(); err != nil {
		return nil, err
	}
	if err := f.createCommandPools(); err != nil {
		f.destroyDescriptorPool()
		return nil, err
	}
	return f, nil
}

// Device returns the device the foundry was created on.
func (f *Foundry) Device() *device.Device {
	return f.dev
}

// Config returns a snapshot of the compiler configuration in effect.
// Mutating the snapshot does not affect the foundry.
func (f *Foundry) Config() CompilerConfig {
	f.cfgMu.RLock()
	defer f.cfgMu.RUnlock()
	return f.cfg.clone()
}

// SetConfig replaces the compiler configuration for every load that
// follows. Shaders already compiled and live cache entries keep the
// settings they were built with; InvalidateCache forces recompiles.
func (f *Foundry) SetConfig(cfg CompilerConfig) {
	if cfg.Compiler == "" {
		cfg.Compiler = "glslc"
	}
	if cfg.EntryPoint == "" {
		cfg.EntryPoint = "main"
	}
	f.cfgMu.Lock()
	f.cfg = cfg.clone()
	f.cfgMu.Unlock()
}

// AddIncludeDirectory appends one directory to the compiler include
// search path for subsequent compilations.
func (f *Foundry) AddIncludeDirectory(dir string) {
	f.cfgMu.Lock()
	f.cfg.IncludeDirs = append(append([]string{}, f.cfg.IncludeDirs...), dir)
	f.cfgMu.Unlock()
}

// AddDefine sets one preprocessor definition for subsequent
// compilations. An empty value defines the name without one.
func (f *Foundry) AddDefine(name, value string) {
	f.cfgMu.Lock()
	defines := make(map[string]string, len(f.cfg.Defines)+1)
	for k, v := range f.cfg.Defines {
		defines[k] = v
	}
	defines[name] = value
	f.cfg.Defines = defines
	f.cfgMu.Unlock()
}

// config snapshots the configuration one compilation runs under.
// Mutators replace the slice and map wholesale, so a shallow copy
// never observes a partial update.
func (f *Foundry) config() CompilerConfig {
	f.cfgMu.RLock()
	defer f.cfgMu.RUnlock()
	return f.cfg
}

func (f *Foundry) createDescriptorPool() error {
	poolSizes := []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeUniformBuffer, DescriptorCount: descriptorPoolSets},
		{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: descriptorPoolSets},
		{Type: vk.DescriptorTypeCombinedImageSampler, DescriptorCount: descriptorPoolSets},
		{Type: vk.DescriptorTypeSampledImage, DescriptorCount: descriptorPoolSets},
		{Type: vk.DescriptorTypeStorageImage, DescriptorCount: descriptorPoolSets},
	}

	var pool vk.DescriptorPool
	ret := vk.CreateDescriptorPool(f.dev.VK(), &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateFreeDescriptorSetBit),
		MaxSets:       descriptorPoolSets,
		PoolSizeCount: uint32(len(poolSizes)),
		PPoolSizes:    poolSizes,
	}, nil, &pool)
	if err := vk.Error(ret); err != nil {
		return errors.New("vk.CreateDescriptorPool(): " + err.Error())
	}
	f.descriptorPool = pool
	return nil
}

func (f *Foundry) destroyDescriptorPool() {
	if f.descriptorPool != vk.NullDescriptorPool {
		vk.DestroyDescriptorPool(f.dev.VK(), f.descriptorPool, nil)
		f.descriptorPool = vk.NullDescriptorPool
	}
}

func (f *Foundry) createCommandPools() error {
	families := map[CommandType]uint32{
		CommandGraphics: f.dev.GraphicsFamily(),
		CommandCompute:  f.dev.ComputeFamily(),
		CommandTransfer: f.dev.TransferFamily(),
	}
	for kind, family := range families {
		var pool vk.CommandPool
		ret := vk.CreateCommandPool(f.dev.VK(), &vk.CommandPoolCreateInfo{
			SType:            vk.StructureTypeCommandPoolCreateInfo,
			Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
			QueueFamilyIndex: family,
		}, nil, &pool)
		if err := vk.Error(ret); err != nil {
			return errors.New("vk.CreateCommandPool(): " + err.Error())
		}
		f.pools[kind] = pool
	}
	return nil
}

// queueFor maps a command kind to the queue it submits on.
func (f *Foundry) queueFor(kind CommandType) vk.Queue {
	switch kind {
	case CommandCompute:
		return f.dev.ComputeQueue()
	case CommandTransfer:
		return f.dev.TransferQueue()
	default:
		return f.dev.GraphicsQueue()
	}
}

// Stop waits for all queues to go idle and frees every command
// buffer. Call it before destroying pipelines that still reference
// recorded buffers.
func (f *Foundry) Stop() {
	f.dev.WaitIdle()
	f.FreeAllCommandBuffers()
	f.stopped = true
}

// Shutdown releases everything the foundry owns. All dependent
// pipelines must be destroyed first; identifiers become invalid.
func (f *Foundry) Shutdown() {
	f.Stop()

	f.syncMu.Lock()
	for id, fn := range f.fences {
		vk.DestroyFence(f.dev.VK(), fn.handle, nil)
		delete(f.fences, id)
	}
	for id, sem := range f.semaphores {
		vk.DestroySemaphore(f.dev.VK(), sem, nil)
		delete(f.semaphores, id)
	}
	f.syncMu.Unlock()

	f.commandMu.Lock()
	for format, pass := range f.inheritPasses {
		vk.DestroyRenderPass(f.dev.VK(), pass, nil)
		delete(f.inheritPasses, format)
	}
	for kind, pool := range f.pools {
		vk.DestroyCommandPool(f.dev.VK(), pool, nil)
		delete(f.pools, kind)
	}
	f.commandMu.Unlock()

	f.descriptorMu.Lock()
	f.descriptorSets = make(map[DescriptorSetID]vk.DescriptorSet)
	f.destroyDescriptorPool()
	f.descriptorMu.Unlock()

	f.shaderMu.Lock()
	for id, sh := range f.shaders {
		vk.DestroyShaderModule(f.dev.VK(), sh.module, nil)
		delete(f.shaders, id)
	}
	f.cache = make(map[string]ShaderID)
	f.shaderMu.Unlock()
}

func (f *Foundry) mintShaderID() ShaderID {
	return ShaderID(atomic.AddUint64(&f.nextShader, 1))
}

func (f *Foundry) mintSetID() DescriptorSetID {
	return DescriptorSetID(atomic.AddUint64(&f.nextSet, 1))
}

func (f *Foundry) mintCommandID() CommandBufferID {
	return CommandBufferID(atomic.AddUint64(&f.nextCommand, 1))
}

func (f *Foundry) mintFenceID() FenceID {
	return FenceID(atomic.AddUint64(&f.nextFence, 1))
}

func (f *Foundry) mintSemaphoreID() SemaphoreID {
	return SemaphoreID(atomic.AddUint64(&f.nextSem, 1))
}
