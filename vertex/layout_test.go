// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vertex_test

import (
	"testing"

	"github.com/devblok/portal/vertex"
)

func TestModalitySizes(t *testing.T) {
	cases := []struct {
		modality vertex.Modality
		size     uint32
	}{
		{vertex.Position3, 12},
		{vertex.Normal3, 12},
		{vertex.ColorRGB, 12},
		{vertex.ColorRGBA, 16},
		{vertex.TexCoord2, 8},
		{vertex.Audio1D, 8},
		{vertex.Matrix4, 64},
	}
	for _, tc := range cases {
		if got := tc.modality.Size(); got != tc.size {
			t.Errorf("%s: size %d, want %d", tc.modality, got, tc.size)
		}
	}
}

func TestStandardLayoutsValidate(t *testing.T) {
	pc := vertex.PositionColor(3)
	if err := pc.Validate(); err != nil {
		t.Error(err)
	}
	if pc.Stride != 24 {
		t.Errorf("PositionColor stride %d, want 24", pc.Stride)
	}

	pct := vertex.PositionColorTexture(3)
	if err := pct.Validate(); err != nil {
		t.Error(err)
	}
	if pct.Stride != 32 {
		t.Errorf("PositionColorTexture stride %d, want 32", pct.Stride)
	}
}

func TestValidateRejectsDegenerate(t *testing.T) {
	empty := vertex.Layout{Stride: 24}
	if err := empty.Validate(); err != vertex.ErrNoAttributes {
		t.Errorf("empty layout: got %v, want ErrNoAttributes", err)
	}

	zeroStride := vertex.Layout{
		Attributes: []vertex.Attribute{{Modality: vertex.Position3}},
	}
	if err := zeroStride.Validate(); err != vertex.ErrZeroStride {
		t.Errorf("zero stride: got %v, want ErrZeroStride", err)
	}

	overflow := vertex.Layout{
		Stride: 16,
		Attributes: []vertex.Attribute{
			{Modality: vertex.Position3, Offset: 0},
			{Modality: vertex.ColorRGB, Offset: 12},
		},
	}
	if err := overflow.Validate(); err == nil {
		t.Error("overflowing attribute validated")
	}
}
