// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package spirv_test

import (
	"encoding/binary"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/devblok/portal/spirv"
)

// asm builds a SPIR-V binary out of instruction word slices.
func asm(instructions ...[]uint32) []byte {
	words := []uint32{spirv.MagicNumber, 0x00010300, 0, 100, 0}
	for _, ins := range instructions {
		words = append(words, ins...)
	}
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

func ins(opcode uint16, operands ...uint32) []uint32 {
	first := uint32(len(operands)+1)<<16 | uint32(opcode)
	return append([]uint32{first}, operands...)
}

// str packs a nul-terminated literal into operand words.
func str(s string) []uint32 {
	bts := append([]byte(s), 0)
	for len(bts)%4 != 0 {
		bts = append(bts, 0)
	}
	words := make([]uint32, len(bts)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(bts[i*4:])
	}
	return words
}

const (
	opName             = 5
	opEntryPoint       = 15
	opExecutionMode    = 16
	opTypeFloat        = 22
	opTypeVector       = 23
	opTypeRuntimeArray = 29
	opTypeStruct       = 30
	opTypePointer      = 32
	opVariable         = 59
	opDecorate         = 71
	opMemberDecorate   = 72
)

// computeKernel assembles the moral equivalent of:
//
//	layout(local_size_x = 64) in;
//	layout(set = 0, binding = 0) buffer Data { float values[]; };
//	layout(push_constant) uniform Push { vec4 factor; };
func computeKernel() []byte {
	entry := ins(opEntryPoint, 5 /* GLCompute */, 1)
	entry = append(entry, str("main")...)
	entry[0] = uint32(len(entry))<<16 | opEntryPoint

	name := ins(opName, 10)
	name = append(name, str("values")...)
	name[0] = uint32(len(name))<<16 | opName

	return asm(
		entry,
		ins(opExecutionMode, 1, 17 /* LocalSize */, 64, 1, 1),
		name,
		ins(opDecorate, 10, 34 /* DescriptorSet */, 0),
		ins(opDecorate, 10, 33 /* Binding */, 0),
		ins(opDecorate, 20, 3 /* BufferBlock */),
		ins(opMemberDecorate, 30, 0, 35 /* Offset */, 0),
		ins(opTypeFloat, 2, 32),
		ins(opTypeVector, 3, 2, 4),
		ins(opTypeRuntimeArray, 4, 2),
		ins(opTypeStruct, 20, 4),
		ins(opTypePointer, 21, 2 /* Uniform */, 20),
		ins(opVariable, 21, 10, 2 /* Uniform */),
		ins(opTypeStruct, 30, 3),
		ins(opTypePointer, 31, 9 /* PushConstant */, 30),
		ins(opVariable, 31, 11, 9 /* PushConstant */),
	)
}

func TestReflectComputeKernel(t *testing.T) {
	c := qt.New(t)

	info, err := spirv.Reflect(computeKernel())
	c.Assert(err, qt.IsNil)

	c.Assert(info.Stage, qt.Equals, spirv.StageCompute)
	c.Assert(info.EntryPoint, qt.Equals, "main")
	c.Assert(info.HasWorkgroupSize, qt.IsTrue)
	c.Assert(info.WorkgroupSize, qt.Equals, [3]uint32{64, 1, 1})

	c.Assert(info.Bindings, qt.HasLen, 1)
	c.Assert(info.Bindings[0].Set, qt.Equals, uint32(0))
	c.Assert(info.Bindings[0].Binding, qt.Equals, uint32(0))
	c.Assert(info.Bindings[0].Type, qt.Equals, spirv.DescriptorStorageBuffer)
	c.Assert(info.Bindings[0].Name, qt.Equals, "values")

	c.Assert(info.PushConstantRanges, qt.HasLen, 1)
	c.Assert(info.PushConstantRanges[0].Size, qt.Equals, uint32(16))
}

func TestReflectRejectsGarbage(t *testing.T) {
	c := qt.New(t)

	_, err := spirv.Reflect([]byte("not a shader"))
	c.Assert(err, qt.Equals, spirv.ErrNotSPIRV)

	_, err = spirv.Reflect(nil)
	c.Assert(err, qt.Equals, spirv.ErrNotSPIRV)

	// Valid magic but truncated instruction stream.
	broken := asm(ins(opEntryPoint, 5, 1))
	broken = broken[:len(broken)-4]
	_, err = spirv.Reflect(broken)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestReflectBindingOrder(t *testing.T) {
	c := qt.New(t)

	// Two bindings declared out of order must come back sorted.
	code := asm(
		func() []uint32 {
			e := ins(opEntryPoint, 5, 1)
			e = append(e, str("main")...)
			e[0] = uint32(len(e))<<16 | opEntryPoint
			return e
		}(),
		ins(opDecorate, 10, 34, 1),
		ins(opDecorate, 10, 33, 0),
		ins(opDecorate, 11, 34, 0),
		ins(opDecorate, 11, 33, 2),
		ins(opDecorate, 20, 3),
		ins(opTypeFloat, 2, 32),
		ins(opTypeRuntimeArray, 4, 2),
		ins(opTypeStruct, 20, 4),
		ins(opTypePointer, 21, 2, 20),
		ins(opVariable, 21, 10, 2),
		ins(opVariable, 21, 11, 2),
	)

	info, err := spirv.Reflect(code)
	c.Assert(err, qt.IsNil)
	c.Assert(info.Bindings, qt.HasLen, 2)
	c.Assert(info.Bindings[0].Set, qt.Equals, uint32(0))
	c.Assert(info.Bindings[0].Binding, qt.Equals, uint32(2))
	c.Assert(info.Bindings[1].Set, qt.Equals, uint32(1))
	c.Assert(info.Bindings[1].Binding, qt.Equals, uint32(0))
}

func TestReflectVertexInputs(t *testing.T) {
	c := qt.New(t)

	entry := ins(opEntryPoint, 0 /* Vertex */, 1)
	entry = append(entry, str("main")...)
	entry[0] = uint32(len(entry))<<16 | opEntryPoint

	uvName := ins(opName, 11)
	uvName = append(uvName, str("inUV")...)
	uvName[0] = uint32(len(uvName))<<16 | opName

	// Locations declared out of order; a builtin without a Location
	// decoration must not surface as an attribute.
	code := asm(
		entry,
		uvName,
		ins(opDecorate, 11, 30 /* Location */, 1),
		ins(opDecorate, 10, 30 /* Location */, 0),
		ins(opDecorate, 12, 11 /* BuiltIn */, 42),
		ins(opTypeFloat, 2, 32),
		ins(opTypeVector, 3, 2, 3),
		ins(opTypeVector, 4, 2, 2),
		ins(opTypePointer, 21, 1 /* Input */, 3),
		ins(opTypePointer, 22, 1 /* Input */, 4),
		ins(opVariable, 22, 11, 1),
		ins(opVariable, 21, 10, 1),
		ins(opVariable, 21, 12, 1),
	)

	info, err := spirv.Reflect(code)
	c.Assert(err, qt.IsNil)
	c.Assert(info.Stage, qt.Equals, spirv.StageVertex)

	c.Assert(info.Inputs, qt.DeepEquals, []spirv.InputAttribute{
		{Location: 0, Components: 3, Width: 32, Float: true},
		{Location: 1, Components: 2, Width: 32, Float: true, Name: "inUV"},
	})
}

func BenchmarkReflect(b *testing.B) {
	code := computeKernel()
	for idx := 0; idx < b.N; idx++ {
		if _, err := spirv.Reflect(code); err != nil {
			b.Fatal(err)
		}
	}
}
