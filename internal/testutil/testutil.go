// Package testutil provides shared test utilities and synthetic point-cloud
// fixtures.
//
// Grid fixtures place samples at voxel-cell centres so that voxel filtering
// with the same leaf size keeps every sample.
package testutil

import (
	"bytes"
	"testing"

	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// GridSpec describes a flat, single-colored rectangular grid of samples.
type GridSpec struct {
	OriginX, OriginY float64 // lower-left corner of the first cell
	NX, NY           int     // samples per axis
	Spacing          float64 // distance between samples (and cell size)
	Z                float64
	Color            cloud.RGB
}

// Grid returns the samples of spec, row by row, each at the centre of its cell.
func Grid(spec GridSpec) cloud.Cloud {
	out := make(cloud.Cloud, 0, spec.NX*spec.NY)
	for j := 0; j < spec.NY; j++ {
		for i := 0; i < spec.NX; i++ {
			out = append(out, cloud.Point{
				X:     spec.OriginX + (float64(i)+0.5)*spec.Spacing,
				Y:     spec.OriginY + (float64(j)+0.5)*spec.Spacing,
				Z:     spec.Z,
				Color: spec.Color,
			})
		}
	}
	return out
}

// EncodePCD renders c as a binary PCD file.
func EncodePCD(t *testing.T, c cloud.Cloud) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := cloud.WritePCD(&buf, c, cloud.EncodingBinary); err != nil {
		t.Fatalf("encode pcd: %v", err)
	}
	return buf.Bytes()
}

// DecodePCD parses a PCD file produced by the code under test.
func DecodePCD(t *testing.T, data []byte) cloud.Cloud {
	t.Helper()
	c, err := cloud.ReadPCD(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode pcd: %v", err)
	}
	return c
}
