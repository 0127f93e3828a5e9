// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package spirv extracts reflection metadata from compiled SPIR-V binaries.
// It walks the instruction stream once and collects the information the
// graphics layer needs to build pipeline layouts automatically: the entry
// point and its stage, descriptor bindings with their set/binding indices
// and descriptor types, push constant block sizes and, for compute shaders,
// the declared workgroup size. It is not a validator; malformed modules
// produce an error, not a panic.
package spirv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// MagicNumber identifies a SPIR-V module in its native endianness.
const MagicNumber = 0x07230203

// Opcodes used during reflection.
const (
	opName             = 5
	opEntryPoint       = 15
	opExecutionMode    = 16
	opTypeVoid         = 19
	opTypeBool         = 20
	opTypeInt          = 21
	opTypeFloat        = 22
	opTypeVector       = 23
	opTypeMatrix       = 24
	opTypeImage        = 25
	opTypeSampler      = 26
	opTypeSampledImage = 27
	opTypeArray        = 28
	opTypeRuntimeArray = 29
	opTypeStruct       = 30
	opTypePointer      = 32
	opConstant         = 43
	opVariable         = 59
	opDecorate         = 71
	opMemberDecorate   = 72
)

// Execution models from the SPIR-V specification.
const (
	execModelVertex         = 0
	execModelTessControl    = 1
	execModelTessEvaluation = 2
	execModelGeometry       = 3
	execModelFragment       = 4
	execModelGLCompute      = 5
	execModelTaskEXT        = 5364
	execModelMeshEXT        = 5365
)

const execModeLocalSize = 17

// Decorations used during reflection.
const (
	decorationBlock         = 2
	decorationBufferBlock   = 3
	decorationArrayStride   = 6
	decorationBuiltIn       = 11
	decorationLocation      = 30
	decorationBinding       = 33
	decorationDescriptorSet = 34
	decorationOffset        = 35
)

// Storage classes used during reflection.
const (
	storageClassUniformConstant = 0
	storageClassInput           = 1
	storageClassUniform         = 2
	storageClassPushConstant    = 9
	storageClassStorageBuffer   = 12
)

// Stage is the shader stage encoded in the module's entry point.
type Stage int

// Stages recognised by the reflection pass.
const (
	StageUnknown Stage = iota
	StageVertex
	StageFragment
	StageGeometry
	StageTessControl
	StageTessEvaluation
	StageCompute
	StageTask
	StageMesh
)

func (s Stage) String() string {
	switch s {
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	case StageGeometry:
		return "geometry"
	case StageTessControl:
		return "tess-control"
	case StageTessEvaluation:
		return "tess-evaluation"
	case StageCompute:
		return "compute"
	case StageTask:
		return "task"
	case StageMesh:
		return "mesh"
	default:
		return "unknown"
	}
}

// DescriptorType classifies a reflected resource binding.
type DescriptorType int

// Descriptor types produced by reflection.
const (
	DescriptorUniformBuffer DescriptorType = iota
	DescriptorStorageBuffer
	DescriptorSampledImage
	DescriptorStorageImage
	DescriptorCombinedSampler
	DescriptorSampler
)

func (d DescriptorType) String() string {
	switch d {
	case DescriptorUniformBuffer:
		return "uniform-buffer"
	case DescriptorStorageBuffer:
		return "storage-buffer"
	case DescriptorSampledImage:
		return "sampled-image"
	case DescriptorStorageImage:
		return "storage-image"
	case DescriptorCombinedSampler:
		return "combined-image-sampler"
	case DescriptorSampler:
		return "sampler"
	default:
		return "unknown"
	}
}

// Binding is one shader-visible resource slot.
type Binding struct {
	Set     uint32
	Binding uint32
	Type    DescriptorType
	Name    string
}

// PushConstantRange is one push constant block.
type PushConstantRange struct {
	Offset uint32
	Size   uint32
}

// InputAttribute is one stage input slot, a vertex attribute when
// the module is a vertex shader. Components is 1 for scalars;
// Width is the component bit width.
type InputAttribute struct {
	Location   uint32
	Components uint32
	Width      uint32
	Float      bool
	Name       string
}

// Info is the reflection result for one module.
type Info struct {
	Stage              Stage
	EntryPoint         string
	WorkgroupSize      [3]uint32
	HasWorkgroupSize   bool
	Bindings           []Binding
	PushConstantRanges []PushConstantRange
	Inputs             []InputAttribute
}

// package errors
var (
	ErrNotSPIRV  = errors.New("spirv: not a SPIR-V module")
	ErrTruncated = errors.New("spirv: truncated module")
)

type typeInfo struct {
	op      uint16
	width   uint32   // int/float bit width
	count   uint32   // vector components, matrix columns, array length id
	elem    uint32   // element/component type id
	members []uint32 // struct member type ids
	sampled uint32   // image sampled operand
	stride  uint32   // ArrayStride decoration
	block   bool
	buffer  bool
}

type varInfo struct {
	typeID  uint32
	storage uint32
}

type parser struct {
	words []uint32

	names       map[uint32]string
	types       map[uint32]*typeInfo
	constants   map[uint32]uint32
	vars        map[uint32]varInfo
	sets        map[uint32]uint32
	bindings    map[uint32]uint32
	memberOff   map[uint32][]uint32 // struct id -> member offsets
	hasSet      map[uint32]bool
	hasBinding  map[uint32]bool
	locations   map[uint32]uint32
	hasLocation map[uint32]bool

	entryID uint32
	info    Info
}

// Reflect parses code and returns the module's reflection info.
func Reflect(code []byte) (Info, error) {
	if len(code) < 20 || len(code)%4 != 0 {
		return Info{}, ErrNotSPIRV
	}

	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	if words[0] != MagicNumber {
		return Info{}, ErrNotSPIRV
	}

	p := &parser{
		words:       words,
		names:       make(map[uint32]string),
		types:       make(map[uint32]*typeInfo),
		constants:   make(map[uint32]uint32),
		vars:        make(map[uint32]varInfo),
		sets:        make(map[uint32]uint32),
		bindings:    make(map[uint32]uint32),
		memberOff:   make(map[uint32][]uint32),
		hasSet:      make(map[uint32]bool),
		hasBinding:  make(map[uint32]bool),
		locations:   make(map[uint32]uint32),
		hasLocation: make(map[uint32]bool),
	}
	if err := p.run(); err != nil {
		return Info{}, err
	}
	return p.info, nil
}

func (p *parser) run() error {
	// Header is 5 words: magic, version, generator, bound, schema.
	at := 5
	for at < len(p.words) {
		first := p.words[at]
		wordCount := int(first >> 16)
		opcode := uint16(first & 0xffff)
		if wordCount == 0 || at+wordCount > len(p.words) {
			return ErrTruncated
		}
		operands := p.words[at+1 : at+wordCount]
		if err := p.instruction(opcode, operands); err != nil {
			return err
		}
		at += wordCount
	}
	p.collect()
	return nil
}

// minOperands guards indexed access below; instructions shorter than
// this are structurally invalid.
var minOperands = map[uint16]int{
	opEntryPoint: 3, opName: 2, opDecorate: 2, opMemberDecorate: 3,
	opTypeInt: 2, opTypeFloat: 2, opTypeBool: 1, opTypeVector: 3,
	opTypeMatrix: 3, opTypeImage: 2, opTypeSampler: 1, opTypeSampledImage: 2,
	opTypeArray: 3, opTypeRuntimeArray: 2, opTypeStruct: 1, opTypePointer: 3,
	opConstant: 2, opVariable: 3,
}

func (p *parser) instruction(opcode uint16, operands []uint32) error {
	if min, ok := minOperands[opcode]; ok && len(operands) < min {
		return ErrTruncated
	}
	switch opcode {
	case opEntryPoint:
		if len(operands) < 3 {
			return ErrTruncated
		}
		p.info.Stage = stageFromModel(operands[0])
		p.entryID = operands[1]
		p.info.EntryPoint = decodeString(operands[2:])

	case opExecutionMode:
		if len(operands) >= 5 && operands[1] == execModeLocalSize {
			p.info.WorkgroupSize = [3]uint32{operands[2], operands[3], operands[4]}
			p.info.HasWorkgroupSize = true
		}

	case opName:
		if len(operands) >= 2 {
			p.names[operands[0]] = decodeString(operands[1:])
		}

	case opDecorate:
		if len(operands) < 2 {
			return ErrTruncated
		}
		target, decoration := operands[0], operands[1]
		switch decoration {
		case decorationDescriptorSet:
			if len(operands) < 3 {
				return ErrTruncated
			}
			p.sets[target] = operands[2]
			p.hasSet[target] = true
		case decorationBinding:
			if len(operands) < 3 {
				return ErrTruncated
			}
			p.bindings[target] = operands[2]
			p.hasBinding[target] = true
		case decorationLocation:
			if len(operands) < 3 {
				return ErrTruncated
			}
			p.locations[target] = operands[2]
			p.hasLocation[target] = true
		case decorationBlock:
			p.typeFor(target).block = true
		case decorationBufferBlock:
			p.typeFor(target).buffer = true
		case decorationArrayStride:
			if len(operands) < 3 {
				return ErrTruncated
			}
			p.typeFor(target).stride = operands[2]
		}

	case opMemberDecorate:
		if len(operands) >= 4 && operands[2] == decorationOffset {
			structID, member, offset := operands[0], operands[1], operands[3]
			offs := p.memberOff[structID]
			for uint32(len(offs)) <= member {
				offs = append(offs, 0)
			}
			offs[member] = offset
			p.memberOff[structID] = offs
		}

	case opTypeInt, opTypeFloat:
		t := p.typeFor(operands[0])
		t.op = opcode
		t.width = operands[1]

	case opTypeBool:
		p.typeFor(operands[0]).op = opcode

	case opTypeVector, opTypeMatrix:
		t := p.typeFor(operands[0])
		t.op = opcode
		t.elem = operands[1]
		t.count = operands[2]

	case opTypeImage:
		t := p.typeFor(operands[0])
		t.op = opcode
		if len(operands) >= 7 {
			t.sampled = operands[6]
		}

	case opTypeSampler, opTypeSampledImage:
		t := p.typeFor(operands[0])
		t.op = opcode
		if opcode == opTypeSampledImage {
			t.elem = operands[1]
		}

	case opTypeArray:
		t := p.typeFor(operands[0])
		t.op = opcode
		t.elem = operands[1]
		t.count = operands[2] // constant id, resolved later

	case opTypeRuntimeArray:
		t := p.typeFor(operands[0])
		t.op = opcode
		t.elem = operands[1]

	case opTypeStruct:
		t := p.typeFor(operands[0])
		t.op = opcode
		t.members = append([]uint32{}, operands[1:]...)

	case opTypePointer:
		t := p.typeFor(operands[0])
		t.op = opcode
		t.count = operands[1] // storage class
		t.elem = operands[2]

	case opConstant:
		if len(operands) >= 3 {
			p.constants[operands[1]] = operands[2]
		}

	case opVariable:
		if len(operands) >= 3 {
			p.vars[operands[1]] = varInfo{typeID: operands[0], storage: operands[2]}
		}
	}
	return nil
}

func (p *parser) typeFor(id uint32) *typeInfo {
	t, ok := p.types[id]
	if !ok {
		t = &typeInfo{}
		p.types[id] = t
	}
	return t
}

// collect turns the gathered tables into the final Info.
func (p *parser) collect() {
	for id, v := range p.vars {
		pointee := p.pointee(v.typeID)

		if v.storage == storageClassInput {
			if !p.hasLocation[id] {
				continue // builtin, gl_VertexIndex and friends
			}
			if input, ok := p.inputAttribute(id, pointee); ok {
				p.info.Inputs = append(p.info.Inputs, input)
			}
			continue
		}

		if v.storage == storageClassPushConstant {
			size := p.sizeOf(pointee)
			if size > 0 {
				p.info.PushConstantRanges = append(p.info.PushConstantRanges, PushConstantRange{
					Offset: 0,
					Size:   size,
				})
			}
			continue
		}

		if !p.hasSet[id] && !p.hasBinding[id] {
			continue
		}

		dtype, ok := p.descriptorType(v.storage, pointee)
		if !ok {
			continue
		}
		p.info.Bindings = append(p.info.Bindings, Binding{
			Set:     p.sets[id],
			Binding: p.bindings[id],
			Type:    dtype,
			Name:    p.names[id],
		})
	}

	sort.Slice(p.info.Bindings, func(i, j int) bool {
		a, b := p.info.Bindings[i], p.info.Bindings[j]
		if a.Set != b.Set {
			return a.Set < b.Set
		}
		return a.Binding < b.Binding
	})
	sort.Slice(p.info.PushConstantRanges, func(i, j int) bool {
		return p.info.PushConstantRanges[i].Offset < p.info.PushConstantRanges[j].Offset
	})
	sort.Slice(p.info.Inputs, func(i, j int) bool {
		return p.info.Inputs[i].Location < p.info.Inputs[j].Location
	})
}

// inputAttribute describes a located stage input by its component
// layout. Non-numeric inputs are skipped.
func (p *parser) inputAttribute(id, pointee uint32) (InputAttribute, bool) {
	t, ok := p.types[pointee]
	if !ok {
		return InputAttribute{}, false
	}

	attr := InputAttribute{
		Location:   p.locations[id],
		Components: 1,
		Name:       p.names[id],
	}
	switch t.op {
	case opTypeFloat:
		attr.Width = t.width
		attr.Float = true
	case opTypeInt:
		attr.Width = t.width
	case opTypeVector:
		elem, ok := p.types[t.elem]
		if !ok {
			return InputAttribute{}, false
		}
		attr.Components = t.count
		attr.Width = elem.width
		attr.Float = elem.op == opTypeFloat
	default:
		return InputAttribute{}, false
	}
	return attr, true
}

func (p *parser) pointee(typeID uint32) uint32 {
	if t, ok := p.types[typeID]; ok && t.op == opTypePointer {
		return t.elem
	}
	return typeID
}

func (p *parser) descriptorType(storage, pointee uint32) (DescriptorType, bool) {
	t, ok := p.types[pointee]
	if !ok {
		return 0, false
	}

	switch t.op {
	case opTypeSampledImage:
		return DescriptorCombinedSampler, true
	case opTypeSampler:
		return DescriptorSampler, true
	case opTypeImage:
		if t.sampled == 2 {
			return DescriptorStorageImage, true
		}
		return DescriptorSampledImage, true
	case opTypeArray, opTypeRuntimeArray:
		return p.descriptorType(storage, t.elem)
	case opTypeStruct:
		switch {
		case storage == storageClassStorageBuffer, t.buffer:
			return DescriptorStorageBuffer, true
		case storage == storageClassUniform && t.block:
			return DescriptorUniformBuffer, true
		}
	}
	return 0, false
}

// sizeOf computes the std430-style size of a type: for structs the
// maximum of member offset plus member size, otherwise the natural
// scalar/vector/matrix/array size.
func (p *parser) sizeOf(typeID uint32) uint32 {
	t, ok := p.types[typeID]
	if !ok {
		return 0
	}

	switch t.op {
	case opTypeInt, opTypeFloat:
		return t.width / 8
	case opTypeBool:
		return 4
	case opTypeVector:
		return t.count * p.sizeOf(t.elem)
	case opTypeMatrix:
		return t.count * p.sizeOf(t.elem)
	case opTypeArray:
		length := p.constants[t.count]
		if t.stride != 0 {
			return length * t.stride
		}
		return length * p.sizeOf(t.elem)
	case opTypeStruct:
		offs := p.memberOff[typeID]
		var size uint32
		for i, member := range t.members {
			end := p.sizeOf(member)
			if i < len(offs) {
				end += offs[i]
			}
			if end > size {
				size = end
			}
		}
		return size
	}
	return 0
}

func stageFromModel(model uint32) Stage {
	switch model {
	case execModelVertex:
		return StageVertex
	case execModelTessControl:
		return StageTessControl
	case execModelTessEvaluation:
		return StageTessEvaluation
	case execModelGeometry:
		return StageGeometry
	case execModelFragment:
		return StageFragment
	case execModelGLCompute:
		return StageCompute
	case execModelTaskEXT:
		return StageTask
	case execModelMeshEXT:
		return StageMesh
	default:
		return StageUnknown
	}
}

// decodeString reads a nul-terminated literal packed into words.
func decodeString(words []uint32) string {
	buf := make([]byte, 0, len(words)*4)
	for _, w := range words {
		for shift := 0; shift < 32; shift += 8 {
			c := byte(w >> shift)
			if c == 0 {
				return string(buf)
			}
			buf = append(buf, c)
		}
	}
	return string(buf)
}

// Describe renders a one-line summary for logs.
func Describe(info Info) string {
	return fmt.Sprintf("%s entry=%q bindings=%d push-ranges=%d",
		info.Stage, info.EntryPoint, len(info.Bindings), len(info.PushConstantRanges))
}
