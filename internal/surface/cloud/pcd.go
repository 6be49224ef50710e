package cloud

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrUnsupportedPCD is returned for PCD files this reader cannot decode
// (compressed data, missing xyz fields, unknown field types).
var ErrUnsupportedPCD = errors.New("unsupported pcd file")

// Encoding selects the DATA section layout written by WritePCD.
type Encoding string

const (
	EncodingASCII  Encoding = "ascii"
	EncodingBinary Encoding = "binary"
)

// pcdField describes one FIELDS entry of a PCD header.
type pcdField struct {
	name   string
	size   int
	typ    byte // 'F', 'U' or 'I'
	count  int
	offset int // byte offset in a binary record
	column int // token index in an ascii row
}

// Header limits. Point slices start at no more than initialPCDCapacity and
// grow as records arrive.
const (
	maxPCDPoints       = 1 << 30
	maxFieldCount      = 1 << 16
	initialPCDCapacity = 1 << 20
)

type pcdHeader struct {
	fields []pcdField
	width  int
	height int
	points int
	data   Encoding
	stride int // bytes per binary record
	tokens int // values per ascii row
}

func (h *pcdHeader) field(name string) *pcdField {
	for i := range h.fields {
		if h.fields[i].name == name {
			return &h.fields[i]
		}
	}
	return nil
}

// ReadPCD decodes a PCD v0.6/v0.7 stream with ascii or binary data. The x, y
// and z fields are required; rgb or rgba is optional and defaults to white.
func ReadPCD(r io.Reader) (Cloud, error) {
	br := bufio.NewReader(r)
	h, err := readPCDHeader(br)
	if err != nil {
		return nil, err
	}

	fx, fy, fz := h.field("x"), h.field("y"), h.field("z")
	if fx == nil || fy == nil || fz == nil {
		return nil, fmt.Errorf("%w: missing x/y/z fields", ErrUnsupportedPCD)
	}
	fc := h.field("rgb")
	if fc == nil {
		fc = h.field("rgba")
	}

	switch h.data {
	case EncodingASCII:
		return readPCDASCII(br, h, fx, fy, fz, fc)
	case EncodingBinary:
		return readPCDBinary(br, h, fx, fy, fz, fc)
	default:
		return nil, fmt.Errorf("%w: DATA %s", ErrUnsupportedPCD, h.data)
	}
}

func readPCDHeader(br *bufio.Reader) (*pcdHeader, error) {
	h := &pcdHeader{height: 1}
	var sizes, counts []int
	var types []byte
	var names []string

	for {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("read pcd header: %w", err)
		}
		line = strings.TrimSpace(line)
		if err == io.EOF && line == "" {
			return nil, fmt.Errorf("%w: header has no DATA line", ErrUnsupportedPCD)
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		key, vals := strings.ToUpper(parts[0]), parts[1:]

		switch key {
		case "VERSION", "VIEWPOINT":
		case "FIELDS":
			names = vals
		case "SIZE":
			if sizes, err = atoiAll(vals); err != nil {
				return nil, fmt.Errorf("%w: SIZE: %v", ErrUnsupportedPCD, err)
			}
		case "TYPE":
			types = make([]byte, len(vals))
			for i, v := range vals {
				if len(v) != 1 || !strings.Contains("FUI", v) {
					return nil, fmt.Errorf("%w: TYPE %q", ErrUnsupportedPCD, v)
				}
				types[i] = v[0]
			}
		case "COUNT":
			if counts, err = atoiAll(vals); err != nil {
				return nil, fmt.Errorf("%w: COUNT: %v", ErrUnsupportedPCD, err)
			}
		case "WIDTH", "HEIGHT", "POINTS":
			if len(vals) != 1 {
				return nil, fmt.Errorf("%w: %s needs one value", ErrUnsupportedPCD, key)
			}
			n, convErr := strconv.Atoi(vals[0])
			if convErr != nil || n < 0 {
				return nil, fmt.Errorf("%w: %s %q", ErrUnsupportedPCD, key, vals[0])
			}
			switch key {
			case "WIDTH":
				h.width = n
			case "HEIGHT":
				h.height = n
			default:
				h.points = n
			}
		case "DATA":
			if len(vals) != 1 {
				return nil, fmt.Errorf("%w: DATA needs one value", ErrUnsupportedPCD)
			}
			h.data = Encoding(strings.ToLower(vals[0]))
			if err := h.layout(names, sizes, types, counts); err != nil {
				return nil, err
			}
			return h, nil
		default:
			return nil, fmt.Errorf("%w: unknown header key %q", ErrUnsupportedPCD, parts[0])
		}
	}
}

func (h *pcdHeader) layout(names []string, sizes []int, types []byte, counts []int) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: no FIELDS", ErrUnsupportedPCD)
	}
	if counts == nil {
		counts = make([]int, len(names))
		for i := range counts {
			counts[i] = 1
		}
	}
	if len(sizes) != len(names) || len(types) != len(names) || len(counts) != len(names) {
		return fmt.Errorf("%w: FIELDS/SIZE/TYPE/COUNT length mismatch", ErrUnsupportedPCD)
	}
	if h.points == 0 {
		if h.width > 0 && h.height > maxPCDPoints/h.width {
			return fmt.Errorf("%w: WIDTH %d x HEIGHT %d is too large", ErrUnsupportedPCD, h.width, h.height)
		}
		h.points = h.width * h.height
	}
	if h.points > maxPCDPoints {
		return fmt.Errorf("%w: POINTS %d exceeds %d", ErrUnsupportedPCD, h.points, maxPCDPoints)
	}

	h.fields = make([]pcdField, len(names))
	for i, name := range names {
		f := pcdField{
			name:   name,
			size:   sizes[i],
			typ:    types[i],
			count:  counts[i],
			offset: h.stride,
			column: h.tokens,
		}
		if !validFieldType(f.typ, f.size) {
			return fmt.Errorf("%w: field %s has TYPE %c SIZE %d", ErrUnsupportedPCD, name, f.typ, f.size)
		}
		if f.count < 1 || f.count > maxFieldCount {
			return fmt.Errorf("%w: field %s has COUNT %d", ErrUnsupportedPCD, name, f.count)
		}
		h.stride += f.size * f.count
		h.tokens += f.count
		h.fields[i] = f
	}
	return nil
}

func validFieldType(typ byte, size int) bool {
	switch typ {
	case 'F':
		return size == 4 || size == 8
	case 'U', 'I':
		return size == 1 || size == 2 || size == 4 || size == 8
	}
	return false
}

func atoiAll(vals []string) ([]int, error) {
	out := make([]int, len(vals))
	for i, v := range vals {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func readPCDASCII(br *bufio.Reader, h *pcdHeader, fx, fy, fz, fc *pcdField) (Cloud, error) {
	out := make(Cloud, 0, min(h.points, initialPCDCapacity))
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	row := 0
	for sc.Scan() && len(out) < h.points {
		row++
		tok := strings.Fields(sc.Text())
		if len(tok) == 0 {
			continue
		}
		if len(tok) < h.tokens {
			return nil, fmt.Errorf("%w: data row %d has %d values, want %d", ErrUnsupportedPCD, row, len(tok), h.tokens)
		}
		var p Point
		var err error
		if p.X, err = strconv.ParseFloat(tok[fx.column], 64); err != nil {
			return nil, fmt.Errorf("pcd row %d x: %w", row, err)
		}
		if p.Y, err = strconv.ParseFloat(tok[fy.column], 64); err != nil {
			return nil, fmt.Errorf("pcd row %d y: %w", row, err)
		}
		if p.Z, err = strconv.ParseFloat(tok[fz.column], 64); err != nil {
			return nil, fmt.Errorf("pcd row %d z: %w", row, err)
		}
		p.Color = White
		if fc != nil {
			if p.Color, err = parseASCIIColor(tok[fc.column], fc.typ); err != nil {
				return nil, fmt.Errorf("pcd row %d rgb: %w", row, err)
			}
		}
		out = append(out, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read pcd data: %w", err)
	}
	if len(out) != h.points {
		return nil, fmt.Errorf("%w: got %d points, header says %d", ErrUnsupportedPCD, len(out), h.points)
	}
	return out, nil
}

func parseASCIIColor(tok string, typ byte) (RGB, error) {
	if typ == 'F' {
		f, err := strconv.ParseFloat(tok, 32)
		if err != nil {
			return RGB{}, err
		}
		return RGBFromFloat32(float32(f)), nil
	}
	v, err := strconv.ParseUint(tok, 10, 32)
	if err != nil {
		// Signed packed values show up in files written by tools that
		// treat rgba as int32.
		s, serr := strconv.ParseInt(tok, 10, 32)
		if serr != nil {
			return RGB{}, err
		}
		v = uint64(uint32(int32(s)))
	}
	return UnpackRGB(uint32(v)), nil
}

func readPCDBinary(br *bufio.Reader, h *pcdHeader, fx, fy, fz, fc *pcdField) (Cloud, error) {
	out := make(Cloud, 0, min(h.points, initialPCDCapacity))
	rec := make([]byte, h.stride)
	for i := 0; i < h.points; i++ {
		if _, err := io.ReadFull(br, rec); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: body ends at point %d of %d: %w", ErrUnsupportedPCD, i, h.points, io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("read pcd point %d: %w", i, err)
		}
		p := Point{
			X:     readNumber(rec, fx),
			Y:     readNumber(rec, fy),
			Z:     readNumber(rec, fz),
			Color: White,
		}
		if fc != nil {
			p.Color = UnpackRGB(readBits32(rec, fc))
		}
		out = append(out, p)
	}
	return out, nil
}

func readNumber(rec []byte, f *pcdField) float64 {
	b := rec[f.offset : f.offset+f.size]
	switch f.typ {
	case 'F':
		if f.size == 4 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case 'U':
		switch f.size {
		case 1:
			return float64(b[0])
		case 2:
			return float64(binary.LittleEndian.Uint16(b))
		case 4:
			return float64(binary.LittleEndian.Uint32(b))
		default:
			return float64(binary.LittleEndian.Uint64(b))
		}
	default:
		switch f.size {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(binary.LittleEndian.Uint16(b)))
		case 4:
			return float64(int32(binary.LittleEndian.Uint32(b)))
		default:
			return float64(int64(binary.LittleEndian.Uint64(b)))
		}
	}
}

// readBits32 returns the raw low 32 bits of a color field regardless of
// whether the file declares it as F4, U4 or I4.
func readBits32(rec []byte, f *pcdField) uint32 {
	b := rec[f.offset : f.offset+f.size]
	switch f.size {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	case 4:
		return binary.LittleEndian.Uint32(b)
	default:
		if f.typ == 'F' {
			return math.Float32bits(float32(math.Float64frombits(binary.LittleEndian.Uint64(b))))
		}
		return uint32(binary.LittleEndian.Uint64(b))
	}
}

// WritePCD encodes c as a PCD v0.7 file with fields x y z rgb. Coordinates
// are stored as F4 and the color as the float reinterpretation of the packed
// R<<16 | G<<8 | B value, matching what PCL and CloudCompare expect.
func WritePCD(w io.Writer, c Cloud, enc Encoding) error {
	if enc != EncodingASCII && enc != EncodingBinary {
		return fmt.Errorf("%w: cannot write DATA %s", ErrUnsupportedPCD, enc)
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# .PCD v0.7 - Point Cloud Data file format\n"+
		"VERSION 0.7\n"+
		"FIELDS x y z rgb\n"+
		"SIZE 4 4 4 4\n"+
		"TYPE F F F F\n"+
		"COUNT 1 1 1 1\n"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA %s\n",
		len(c), len(c), enc)

	if enc == EncodingASCII {
		for _, p := range c {
			fmt.Fprintf(bw, "%s %s %s %s\n",
				formatF32(p.X), formatF32(p.Y), formatF32(p.Z),
				strconv.FormatFloat(float64(p.Color.Float32()), 'g', -1, 32))
		}
		return bw.Flush()
	}

	var rec [16]byte
	for _, p := range c {
		binary.LittleEndian.PutUint32(rec[0:], math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(rec[4:], math.Float32bits(float32(p.Y)))
		binary.LittleEndian.PutUint32(rec[8:], math.Float32bits(float32(p.Z)))
		binary.LittleEndian.PutUint32(rec[12:], p.Color.Packed())
		if _, err := bw.Write(rec[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func formatF32(v float64) string {
	return strconv.FormatFloat(float64(float32(v)), 'g', -1, 32)
}
