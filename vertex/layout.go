// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package vertex describes per-vertex data semantically. The data layer
// produces these layouts from its containers; the render layer translates
// them into native vertex-input state. An attribute is described by what
// it means (a 3D position, a 2D texture coordinate) rather than by a
// backend format, which keeps buffer producers independent of the
// graphics API.
package vertex

import (
	"errors"
	"fmt"

	glm "github.com/go-gl/mathgl/mgl32"
)

// Modality identifies the meaning and component layout of one attribute.
type Modality int

// Supported attribute modalities.
const (
	ModalityUnknown Modality = iota
	Position3
	Normal3
	Tangent3
	ColorRGB
	ColorRGBA
	TexCoord2
	Audio1D
	Spectral2
	Matrix4
)

// Size returns the attribute's byte size within a vertex.
func (m Modality) Size() uint32 {
	switch m {
	case Position3, Normal3, Tangent3, ColorRGB:
		return 12 // 3 * float32
	case ColorRGBA:
		return 16 // 4 * float32
	case TexCoord2, Spectral2:
		return 8 // 2 * float32
	case Audio1D:
		return 8 // float64
	case Matrix4:
		return 64 // 4x4 * float32
	default:
		return 4
	}
}

func (m Modality) String() string {
	switch m {
	case Position3:
		return "vec3 (positions)"
	case Normal3:
		return "vec3 (normals)"
	case Tangent3:
		return "vec3 (tangents)"
	case ColorRGB:
		return "vec3 (color RGB)"
	case ColorRGBA:
		return "vec4 (color RGBA)"
	case TexCoord2:
		return "vec2 (UV)"
	case Audio1D:
		return "double (audio sample)"
	case Spectral2:
		return "vec2 (frequency, magnitude)"
	case Matrix4:
		return "mat4 (transformation)"
	default:
		return "unknown"
	}
}

// Attribute is one semantic slot within a vertex.
type Attribute struct {
	Modality Modality
	// Offset is the attribute's byte offset within one vertex.
	Offset uint32
}

// Layout describes the full per-vertex arrangement of a buffer.
type Layout struct {
	VertexCount uint32
	// Stride is the byte distance between consecutive vertices.
	Stride     uint32
	Attributes []Attribute
}

// package errors
var (
	ErrNoAttributes = errors.New("vertex: layout has no attributes")
	ErrZeroStride   = errors.New("vertex: layout has zero stride")
)

// Validate checks that the layout can be translated into vertex-input
// state: it needs at least one attribute, a non-zero stride, and every
// attribute must fit inside the stride.
func (l *Layout) Validate() error {
	if len(l.Attributes) == 0 {
		return ErrNoAttributes
	}
	if l.Stride == 0 {
		return ErrZeroStride
	}
	for idx, attr := range l.Attributes {
		if attr.Offset+attr.Modality.Size() > l.Stride {
			return fmt.Errorf("vertex: attribute %d (%s) at offset %d overflows stride %d",
				idx, attr.Modality, attr.Offset, l.Stride)
		}
	}
	return nil
}

// PositionColor is the standard interleaved position+color layout.
func PositionColor(vertexCount uint32) Layout {
	return Layout{
		VertexCount: vertexCount,
		Stride:      24,
		Attributes: []Attribute{
			{Modality: Position3, Offset: 0},
			{Modality: ColorRGB, Offset: 12},
		},
	}
}

// PositionColorTexture is the standard interleaved layout with UVs.
func PositionColorTexture(vertexCount uint32) Layout {
	return Layout{
		VertexCount: vertexCount,
		Stride:      32,
		Attributes: []Attribute{
			{Modality: Position3, Offset: 0},
			{Modality: ColorRGB, Offset: 12},
			{Modality: TexCoord2, Offset: 24},
		},
	}
}

// PositionColorVertex matches the PositionColor layout in memory and is
// what the demo and tests feed into vertex buffers.
type PositionColorVertex struct {
	Pos   glm.Vec3
	Color glm.Vec3
}
