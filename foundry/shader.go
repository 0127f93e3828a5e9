// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package foundry

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/journal"
	"github.com/devblok/portal/shaderpack"
	"github.com/devblok/portal/spirv"
)

// sourceKind is resolved once at load time and carried with the
// shader instead of being re-detected per call.
type sourceKind int

const (
	sourceInline sourceKind = iota
	sourceFileGLSL
	sourceFileSPIRV
	sourcePack
)

type shader struct {
	id         ShaderID
	module     vk.ShaderModule
	stage      spirv.Stage
	entryPoint string
	key        string
	kind       sourceKind

	reflection    spirv.Info
	hasReflection bool
}

// stageByExtension maps shader file extensions to their stage.
var stageByExtension = map[string]spirv.Stage{
	".vert": spirv.StageVertex,
	".frag": spirv.StageFragment,
	".geom": spirv.StageGeometry,
	".tesc": spirv.StageTessControl,
	".tese": spirv.StageTessEvaluation,
	".comp": spirv.StageCompute,
	".task": spirv.StageTask,
	".mesh": spirv.StageMesh,
}

// glslcStageNames maps stages to the compiler's -fshader-stage values.
var glslcStageNames = map[spirv.Stage]string{
	spirv.StageVertex:         "vertex",
	spirv.StageFragment:       "fragment",
	spirv.StageGeometry:       "geometry",
	spirv.StageTessControl:    "tesscontrol",
	spirv.StageTessEvaluation: "tesseval",
	spirv.StageCompute:        "compute",
	spirv.StageTask:           "task",
	spirv.StageMesh:           "mesh",
}

// LoadShader loads a shader from a file path, a precompiled binary
// path or inline source text, detected in that order. The stage is
// derived from the file extension when left as StageUnknown; inline
// source must carry an explicit stage. An empty entryPoint falls back
// to the configured default. Repeat calls with an identical resolved
// key return the cached identifier without recompiling. On any
// failure the cache is left untouched and the invalid identifier is
// returned, so a corrected retry needs no cleanup.
func (f *Foundry) LoadShader(content string, stage spirv.Stage, entryPoint string) ShaderID {
	if entryPoint == "" {
		entryPoint = f.config().EntryPoint
	}

	kind, key, detected := f.resolveSource(content, stage)
	if detected != spirv.StageUnknown {
		stage = detected
	}
	if kind == sourceInline && stage == spirv.StageUnknown {
		f.log.Errorf(journal.ContextShaders, "ambiguous stage for inline source, pass an explicit stage")
		return 0
	}

	f.shaderMu.RLock()
	cached, hit := f.cache[key]
	f.shaderMu.RUnlock()
	if hit {
		return cached
	}

	code, err := f.obtainSPIRV(content, kind, stage)
	if err != nil {
		f.log.Errorf(journal.ContextShaders, "load %q: %s", key, err.Error())
		return 0
	}
	return f.installShader(code, kind, key, stage, entryPoint)
}

// LoadShaderCached compiles inline source under a caller supplied
// cache key instead of a content hash. Repeat calls with the same key
// return the cached identifier even when the source text changed;
// InvalidateCache forces a recompile.
func (f *Foundry) LoadShaderCached(key, source string, stage spirv.Stage, entryPoint string) ShaderID {
	if key == "" {
		f.log.Errorf(journal.ContextShaders, "load cached: empty cache key")
		return 0
	}
	if stage == spirv.StageUnknown {
		f.log.Errorf(journal.ContextShaders, "ambiguous stage for inline source, pass an explicit stage")
		return 0
	}
	if entryPoint == "" {
		entryPoint = f.config().EntryPoint
	}

	f.shaderMu.RLock()
	cached, hit := f.cache[key]
	f.shaderMu.RUnlock()
	if hit {
		return cached
	}

	code, err := f.compileGLSL([]byte(source), stage, "inline."+glslcStageNames[stage])
	if err != nil {
		f.log.Errorf(journal.ContextShaders, "load %q: %s", key, err.Error())
		return 0
	}
	return f.installShader(code, sourceInline, key, stage, entryPoint)
}

// LoadShaderFromPack loads a precompiled entry from a shader pack.
// The stage comes from the entry name's extension (name.vert.spv)
// unless given explicitly.
func (f *Foundry) LoadShaderFromPack(archive *shaderpack.Archive, name string, stage spirv.Stage, entryPoint string) ShaderID {
	if archive == nil {
		f.log.Errorf(journal.ContextShaders, "load from pack: nil archive")
		return 0
	}
	if entryPoint == "" {
		entryPoint = f.config().EntryPoint
	}

	key := "pack:" + name
	f.shaderMu.RLock()
	cached, hit := f.cache[key]
	f.shaderMu.RUnlock()
	if hit {
		return cached
	}

	code, err := archive.ReadAll(name)
	if err != nil {
		f.log.Errorf(journal.ContextShaders, "load from pack %q: %s", name, err.Error())
		return 0
	}
	if stage == spirv.StageUnknown {
		stage = stageByExtension[filepath.Ext(strings.TrimSuffix(name, ".spv"))]
	}
	return f.installShader(code, sourcePack, key, stage, entryPoint)
}

// ReloadShader drops the cache entry and identifier mapping for a
// file backed shader and loads it again under a fresh identifier.
// Pipelines built against the old identifier are not patched; callers
// rebuild them with the returned one.
func (f *Foundry) ReloadShader(path string) ShaderID {
	resolved, err := filepath.Abs(path)
	if err != nil {
		f.log.Errorf(journal.ContextShaders, "reload %q: %s", path, err.Error())
		return 0
	}

	f.shaderMu.Lock()
	if id, ok := f.cache[resolved]; ok {
		if sh, ok := f.shaders[id]; ok {
			vk.DestroyShaderModule(f.dev.VK(), sh.module, nil)
			delete(f.shaders, id)
		}
		delete(f.cache, resolved)
	}
	f.shaderMu.Unlock()

	return f.LoadShader(path, spirv.StageUnknown, "")
}

// DestroyShader removes the shader from the identifier table and the
// cache in one critical section, so no stale cache entry can resolve
// to a freed module.
func (f *Foundry) DestroyShader(id ShaderID) {
	f.shaderMu.Lock()
	defer f.shaderMu.Unlock()

	sh, ok := f.shaders[id]
	if !ok {
		f.log.Errorf(journal.ContextShaders, "destroy: unknown shader %d", id)
		return
	}
	vk.DestroyShaderModule(f.dev.VK(), sh.module, nil)
	delete(f.shaders, id)
	delete(f.cache, sh.key)
}

// ShaderModule returns the backing module handle, nil for unknown
// identifiers.
func (f *Foundry) ShaderModule(id ShaderID) vk.ShaderModule {
	f.shaderMu.RLock()
	defer f.shaderMu.RUnlock()
	if sh, ok := f.shaders[id]; ok {
		return sh.module
	}
	return vk.NullShaderModule
}

// ShaderStage is a pure lookup; unknown identifiers return
// StageUnknown without logging, keeping introspection branch free.
func (f *Foundry) ShaderStage(id ShaderID) spirv.Stage {
	f.shaderMu.RLock()
	defer f.shaderMu.RUnlock()
	if sh, ok := f.shaders[id]; ok {
		return sh.stage
	}
	return spirv.StageUnknown
}

// ShaderEntryPoint returns the module entry point, empty when unknown.
func (f *Foundry) ShaderEntryPoint(id ShaderID) string {
	f.shaderMu.RLock()
	defer f.shaderMu.RUnlock()
	if sh, ok := f.shaders[id]; ok {
		return sh.entryPoint
	}
	return ""
}

// ShaderReflection returns reflection info, zero valued when the
// identifier is unknown or reflection was disabled at load.
func (f *Foundry) ShaderReflection(id ShaderID) spirv.Info {
	f.shaderMu.RLock()
	defer f.shaderMu.RUnlock()
	if sh, ok := f.shaders[id]; ok && sh.hasReflection {
		return sh.reflection
	}
	return spirv.Info{}
}

// IsCached reports whether a resolved key has a live cache entry.
func (f *Foundry) IsCached(key string) bool {
	f.shaderMu.RLock()
	defer f.shaderMu.RUnlock()
	_, ok := f.cache[key]
	return ok
}

// CachedKeys lists all live cache keys.
func (f *Foundry) CachedKeys() []string {
	f.shaderMu.RLock()
	defer f.shaderMu.RUnlock()
	keys := make([]string, 0, len(f.cache))
	for key := range f.cache {
		keys = append(keys, key)
	}
	return keys
}

// CacheSize returns the number of cached shaders.
func (f *Foundry) CacheSize() int {
	f.shaderMu.RLock()
	defer f.shaderMu.RUnlock()
	return len(f.cache)
}

// InvalidateCache drops one cache entry. The shader itself stays
// alive under its identifier; the next load with the same key
// compiles fresh.
func (f *Foundry) InvalidateCache(key string) {
	f.shaderMu.Lock()
	defer f.shaderMu.Unlock()
	delete(f.cache, key)
}

// ClearCache drops every cache entry, leaving loaded shaders alive.
func (f *Foundry) ClearCache() {
	f.shaderMu.Lock()
	defer f.shaderMu.Unlock()
	f.cache = make(map[string]ShaderID)
}

// resolveSource probes the filesystem and the extension table to
// classify content. Returns the source kind, the cache key and the
// stage when one can be derived.
func (f *Foundry) resolveSource(content string, stage spirv.Stage) (sourceKind, string, spirv.Stage) {
	if resolved, err := filepath.Abs(content); err == nil {
		if info, err := os.Stat(resolved); err == nil && !info.IsDir() {
			ext := filepath.Ext(resolved)
			if ext == ".spv" {
				inner := filepath.Ext(strings.TrimSuffix(resolved, ".spv"))
				return sourceFileSPIRV, resolved, stageByExtension[inner]
			}
			if s, ok := stageByExtension[ext]; ok {
				return sourceFileGLSL, resolved, s
			}
			return sourceFileGLSL, resolved, spirv.StageUnknown
		}
	}

	sum := sha256.Sum256([]byte(content))
	key := hex.EncodeToString(sum[:]) + ":" + stage.String()
	return sourceInline, key, spirv.StageUnknown
}

// obtainSPIRV produces the final binary for any source kind.
func (f *Foundry) obtainSPIRV(content string, kind sourceKind, stage spirv.Stage) ([]byte, error) {
	switch kind {
	case sourceFileSPIRV:
		return ioutil.ReadFile(content)
	case sourceFileGLSL:
		source, err := ioutil.ReadFile(content)
		if err != nil {
			return nil, err
		}
		return f.compileGLSL(source, stage, content)
	default:
		return f.compileGLSL([]byte(content), stage, "inline."+glslcStageNames[stage])
	}
}

// compileGLSL shells out to the configured compiler, feeding source
// on stdin and reading the SPIR-V binary from stdout. The settings
// are snapshotted once, so a concurrent SetConfig cannot change them
// mid compilation.
func (f *Foundry) compileGLSL(source []byte, stage spirv.Stage, hint string) ([]byte, error) {
	stageName, ok := glslcStageNames[stage]
	if !ok {
		return nil, fmt.Errorf("no compiler stage for %s", stage)
	}
	cfg := f.config()

	args := []string{
		"-fshader-stage=" + stageName,
		"-o", "-",
	}
	if cfg.Optimize {
		args = append(args, "-O")
	} else {
		args = append(args, "-O0")
	}
	if cfg.Debug {
		args = append(args, "-g")
	}
	for _, dir := range cfg.IncludeDirs {
		args = append(args, "-I", dir)
	}
	for name, value := range cfg.Defines {
		if value == "" {
			args = append(args, "-D"+name)
		} else {
			args = append(args, "-D"+name+"="+value)
		}
	}
	args = append(args, "-")

	cmd := exec.Command(cfg.Compiler, args...)
	cmd.Stdin = bytes.NewReader(source)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %s: %s", cfg.Compiler, hint, err.Error(), strings.TrimSpace(stderr.String()))
	}
	return out.Bytes(), nil
}

// installShader creates the module, runs reflection when enabled and
// registers the identifier and cache entry together.
func (f *Foundry) installShader(code []byte, kind sourceKind, key string, stage spirv.Stage, entryPoint string) ShaderID {
	var info spirv.Info
	hasReflection := false
	if f.config().Reflection {
		reflected, err := spirv.Reflect(code)
		if err != nil {
			f.log.Errorf(journal.ContextShaders, "reflect %q: %s", key, err.Error())
			return 0
		}
		info = reflected
		hasReflection = true
		if stage == spirv.StageUnknown {
			stage = info.Stage
		}
		f.log.Debugf(journal.ContextShaders, "reflected %q: %s", key, spirv.Describe(info))
	}

	var module vk.ShaderModule
	ret := vk.CreateShaderModule(f.dev.VK(), &vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint64(len(code)),
		PCode:    sliceUint32(code),
	}, nil, &module)
	if err := vk.Error(ret); err != nil {
		f.log.Errorf(journal.ContextShaders, "vk.CreateShaderModule(%q): %s", key, err.Error())
		return 0
	}

	sh := &shader{
		id:            f.mintShaderID(),
		module:        module,
		stage:         stage,
		entryPoint:    entryPoint,
		key:           key,
		kind:          kind,
		reflection:    info,
		hasReflection: hasReflection,
	}

	f.shaderMu.Lock()
	f.shaders[sh.id] = sh
	f.cache[key] = sh.id
	f.shaderMu.Unlock()
	return sh.id
}

type sliceHeader struct {
	Data uintptr
	Len  int
	Cap  int
}

// sliceUint32 reslices bytes into uint32 words for module creation.
func sliceUint32(data []byte) []uint32 {
	const m = 0x7fffffff
	return (*[m / 4]uint32)(unsafe.Pointer((*sliceHeader)(unsafe.Pointer(&data)).Data))[:len(data)/4]
}
