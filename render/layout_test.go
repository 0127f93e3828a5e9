// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package render

import (
	"testing"

	qt "github.com/frankban/quicktest"
	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/spirv"
	"github.com/devblok/portal/vertex"
)

func TestTranslateLayoutPositionColor(t *testing.T) {
	c := qt.New(t)

	layout := vertex.PositionColor(3)
	bindings, attributes, err := translateLayout(&layout)
	c.Assert(err, qt.IsNil)

	c.Assert(bindings, qt.DeepEquals, []VertexBinding{{Binding: 0, Stride: 24}})
	c.Assert(attributes, qt.DeepEquals, []VertexAttribute{
		{Location: 0, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: 0},
		{Location: 1, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: 12},
	})
}

func TestTranslateLayoutMatrixExpansion(t *testing.T) {
	c := qt.New(t)

	layout := vertex.Layout{
		VertexCount: 1,
		Stride:      80,
		Attributes: []vertex.Attribute{
			{Modality: vertex.Position3, Offset: 0},
			{Modality: vertex.Matrix4, Offset: 16},
		},
	}
	_, attributes, err := translateLayout(&layout)
	c.Assert(err, qt.IsNil)

	// One vec3 plus four vec4 columns.
	c.Assert(attributes, qt.HasLen, 5)
	for col := uint32(0); col < 4; col++ {
		attr := attributes[1+col]
		c.Assert(attr.Location, qt.Equals, 1+col)
		c.Assert(attr.Format, qt.Equals, vk.FormatR32g32b32a32Sfloat)
		c.Assert(attr.Offset, qt.Equals, 16+col*16)
	}
}

func TestTranslateLayoutRejectsInvalid(t *testing.T) {
	c := qt.New(t)

	empty := vertex.Layout{Stride: 24}
	_, _, err := translateLayout(&empty)
	c.Assert(err, qt.Equals, vertex.ErrNoAttributes)

	overflow := vertex.Layout{
		Stride:     8,
		Attributes: []vertex.Attribute{{Modality: vertex.Position3, Offset: 0}},
	}
	_, _, err = translateLayout(&overflow)
	c.Assert(err, qt.IsNotNil)
}

func TestInputsToVertexState(t *testing.T) {
	c := qt.New(t)

	inputs := []spirv.InputAttribute{
		{Location: 0, Components: 3, Width: 32, Float: true, Name: "inPosition"},
		{Location: 1, Components: 2, Width: 32, Float: true, Name: "inUV"},
	}
	bindings, attributes, err := inputsToVertexState(inputs)
	c.Assert(err, qt.IsNil)

	c.Assert(bindings, qt.DeepEquals, []VertexBinding{{Binding: 0, Stride: 20}})
	c.Assert(attributes, qt.DeepEquals, []VertexAttribute{
		{Location: 0, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: 0},
		{Location: 1, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: 12},
	})
}

func TestInputFormatUnsupported(t *testing.T) {
	c := qt.New(t)

	_, _, err := inputFormat(spirv.InputAttribute{Location: 2, Components: 3, Width: 64, Float: true})
	c.Assert(err, qt.IsNotNil)
}

func TestModalityFormats(t *testing.T) {
	c := qt.New(t)

	cases := []struct {
		modality vertex.Modality
		format   vk.Format
	}{
		{vertex.Position3, vk.FormatR32g32b32Sfloat},
		{vertex.Normal3, vk.FormatR32g32b32Sfloat},
		{vertex.ColorRGBA, vk.FormatR32g32b32a32Sfloat},
		{vertex.TexCoord2, vk.FormatR32g32Sfloat},
		{vertex.Spectral2, vk.FormatR32g32Sfloat},
		{vertex.Audio1D, vk.FormatR64Sfloat},
	}
	for _, tc := range cases {
		format, err := modalityFormat(tc.modality)
		c.Assert(err, qt.IsNil)
		c.Assert(format, qt.Equals, tc.format, qt.Commentf("modality %s", tc.modality))
	}

	_, err := modalityFormat(vertex.ModalityUnknown)
	c.Assert(err, qt.IsNotNil)
}
