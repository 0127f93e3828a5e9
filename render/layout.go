// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package render

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/devblok/portal/vertex"
)

// VertexBinding describes one vertex buffer slot.
type VertexBinding struct {
	Binding     uint32
	Stride      uint32
	PerInstance bool
}

// VertexAttribute describes one attribute within a bound buffer.
type VertexAttribute struct {
	Location uint32
	Binding  uint32
	Format   vk.Format
	Offset   uint32
}

// modalityFormat maps semantic attribute kinds to native formats.
func modalityFormat(m vertex.Modality) (vk.Format, error) {
	switch m {
	case vertex.Position3, vertex.Normal3, vertex.Tangent3, vertex.ColorRGB:
		return vk.FormatR32g32b32Sfloat, nil
	case vertex.ColorRGBA:
		return vk.FormatR32g32b32a32Sfloat, nil
	case vertex.TexCoord2, vertex.Spectral2:
		return vk.FormatR32g32Sfloat, nil
	case vertex.Audio1D:
		return vk.FormatR64Sfloat, nil
	case vertex.Matrix4:
		// Consumed as four vec4 locations; the caller splits it.
		return vk.FormatR32g32b32a32Sfloat, nil
	default:
		return vk.FormatUndefined, fmt.Errorf("render: no native format for modality %s", m)
	}
}

// translateLayout turns a semantic layout into one vertex buffer
// binding plus one attribute per entry, locations in declaration
// order. A Matrix4 modality expands into four consecutive vec4
// locations.
func translateLayout(layout *vertex.Layout) ([]VertexBinding, []VertexAttribute, error) {
	if err := layout.Validate(); err != nil {
		return nil, nil, err
	}

	bindings := []VertexBinding{{Binding: 0, Stride: layout.Stride}}

	var (
		attributes []VertexAttribute
		location   uint32
	)
	for _, attr := range layout.Attributes {
		format, err := modalityFormat(attr.Modality)
		if err != nil {
			return nil, nil, err
		}

		if attr.Modality == vertex.Matrix4 {
			for col := uint32(0); col < 4; col++ {
				attributes = append(attributes, VertexAttribute{
					Location: location,
					Binding:  0,
					Format:   format,
					Offset:   attr.Offset + col*16,
				})
				location++
			}
			continue
		}

		attributes = append(attributes, VertexAttribute{
			Location: location,
			Binding:  0,
			Format:   format,
			Offset:   attr.Offset,
		})
		location++
	}
	return bindings, attributes, nil
}
