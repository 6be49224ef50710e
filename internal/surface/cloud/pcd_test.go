package cloud

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRGB_PackRoundTrip(t *testing.T) {
	t.Parallel()
	c := RGB{R: 0x12, G: 0x34, B: 0x56}
	assert.Equal(t, uint32(0x123456), c.Packed())
	assert.Equal(t, c, UnpackRGB(c.Packed()))
	assert.Equal(t, c, RGBFromFloat32(c.Float32()))

	// Alpha in the top byte is ignored.
	assert.Equal(t, c, UnpackRGB(0xff123456))
}

func sampleCloud() Cloud {
	return Cloud{
		{X: 0.5, Y: -1.25, Z: 2, Color: RGB{R: 255, G: 0, B: 0}},
		{X: 0.125, Y: 0, Z: -0.75, Color: RGB{R: 10, G: 20, B: 30}},
		{X: 100, Y: 200.5, Z: 0.25, Color: White},
	}
}

func TestPCD_RoundTrip(t *testing.T) {
	t.Parallel()
	for _, enc := range []Encoding{EncodingASCII, EncodingBinary} {
		enc := enc
		t.Run(string(enc), func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			require.NoError(t, WritePCD(&buf, sampleCloud(), enc))

			got, err := ReadPCD(&buf)
			require.NoError(t, err)
			if diff := cmp.Diff(sampleCloud(), got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPCD_WriteHeader(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WritePCD(&buf, sampleCloud(), EncodingASCII))
	out := buf.String()
	assert.Contains(t, out, "FIELDS x y z rgb\n")
	assert.Contains(t, out, "WIDTH 3\n")
	assert.Contains(t, out, "POINTS 3\n")
	assert.Contains(t, out, "DATA ascii\n")
}

func TestPCD_WriteUnknownEncoding(t *testing.T) {
	t.Parallel()
	err := WritePCD(&bytes.Buffer{}, sampleCloud(), Encoding("binary_compressed"))
	assert.ErrorIs(t, err, ErrUnsupportedPCD)
}

func TestReadPCD_ASCIIWithNaNAndNoColor(t *testing.T) {
	t.Parallel()
	src := `# .PCD v0.7
VERSION 0.7
FIELDS x y z
SIZE 4 4 4
TYPE F F F
COUNT 1 1 1
WIDTH 2
HEIGHT 1
VIEWPOINT 0 0 0 1 0 0 0
POINTS 2
DATA ascii
1 2 3
nan nan nan
`
	got, err := ReadPCD(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Point{X: 1, Y: 2, Z: 3, Color: White}, got[0])
	assert.False(t, got[1].IsFinite())
}

func TestReadPCD_BinaryRGBAUnsigned(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	buf.WriteString("VERSION 0.7\nFIELDS x y z rgba\nSIZE 8 8 8 4\nTYPE F F F U\nCOUNT 1 1 1 1\nWIDTH 1\nHEIGHT 1\nPOINTS 1\nDATA binary\n")
	var rec [28]byte
	binary.LittleEndian.PutUint64(rec[0:], math.Float64bits(1.5))
	binary.LittleEndian.PutUint64(rec[8:], math.Float64bits(-2.5))
	binary.LittleEndian.PutUint64(rec[16:], math.Float64bits(0.001))
	binary.LittleEndian.PutUint32(rec[24:], 0xff0a0b0c)
	buf.Write(rec[:])

	got, err := ReadPCD(&buf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Point{X: 1.5, Y: -2.5, Z: 0.001, Color: RGB{R: 0x0a, G: 0x0b, B: 0x0c}}, got[0])
}

func TestReadPCD_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		src  string
	}{
		{"no data line", "VERSION 0.7\nFIELDS x y z\nSIZE 4 4 4\nTYPE F F F\n"},
		{"missing z", "FIELDS x y\nSIZE 4 4\nTYPE F F\nWIDTH 0\nPOINTS 0\nDATA ascii\n"},
		{"compressed", "FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nWIDTH 0\nPOINTS 0\nDATA binary_compressed\n"},
		{"bad type", "FIELDS x y z\nSIZE 4 4 4\nTYPE F F Q\nWIDTH 0\nPOINTS 0\nDATA ascii\n"},
		{"size mismatch", "FIELDS x y z\nSIZE 4 4\nTYPE F F F\nWIDTH 0\nPOINTS 0\nDATA ascii\n"},
		{"short row", "FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nWIDTH 1\nPOINTS 1\nDATA ascii\n1 2\n"},
		{"truncated", "FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nWIDTH 2\nPOINTS 2\nDATA ascii\n1 2 3\n"},
		{"zero count", "FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 0\nWIDTH 1\nPOINTS 1\nDATA ascii\n1 2 3\n"},
		{"oversized points", "FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nWIDTH 1\nPOINTS 9223372036854775807\nDATA binary\n"},
		{"width height overflow", "FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nWIDTH 4294967296\nHEIGHT 4294967296\nDATA binary\n"},
		{"binary body short", "FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nWIDTH 1000000\nPOINTS 1000000\nDATA binary\n\x00\x00\x00\x00"},
		{"binary body empty", "FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nWIDTH 3\nPOINTS 3\nDATA binary\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadPCD(strings.NewReader(tt.src))
			assert.ErrorIs(t, err, ErrUnsupportedPCD)
		})
	}
}

func TestReadPCD_BinaryShortBodyIsUnexpectedEOF(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	buf.WriteString("FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nWIDTH 2\nPOINTS 2\nDATA binary\n")
	buf.Write(make([]byte, 12+5))

	_, err := ReadPCD(&buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedPCD)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "point 1 of 2")
}

func TestCloud_MinMaxAndPlanar(t *testing.T) {
	t.Parallel()
	_, ok := Cloud(nil).MinMax()
	assert.False(t, ok)

	b, ok := sampleCloud().MinMax()
	require.True(t, ok)
	assert.Equal(t, Point{X: 0.125, Y: -1.25, Z: -0.75}, b.Min)
	assert.Equal(t, Point{X: 100, Y: 200.5, Z: 2}, b.Max)

	planar := sampleCloud().Planar()
	assert.Equal(t, Point2{X: 0.5, Y: -1.25}, planar[0])
	assert.InDelta(t, 0.25*0.25, Point2{}.SqDist(Point2{X: 0.25}), 1e-12)
}

func TestCloud_CloneIsIndependent(t *testing.T) {
	t.Parallel()
	src := sampleCloud()
	dup := src.Clone()
	dup[0].X = 42
	assert.Equal(t, 0.5, src[0].X)
	assert.Nil(t, Cloud(nil).Clone())
}
