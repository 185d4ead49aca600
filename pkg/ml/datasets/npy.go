// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

const npyMagic = "\x93NUMPY"

var (
	reNpyDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reNpyFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reNpyShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// ReadNpyFile reads a NumPy .npy file of floating point values. See ReadNpy.
func ReadNpyFile(filePath string) (shape []int, data []float64, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	return ReadNpy(f)
}

// ReadNpy reads a NumPy .npy array of little-endian float16, float32 or float64 values and returns
// its shape and its values converted to float64, in row-major (C) order.
func ReadNpy(r io.Reader) (shape []int, data []float64, err error) {
	preamble := make([]byte, len(npyMagic)+2)
	if _, err = io.ReadFull(r, preamble); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read .npy magic string")
	}
	if string(preamble[:len(npyMagic)]) != npyMagic {
		return nil, nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}
	major := preamble[len(npyMagic)]
	var headerLen int
	switch {
	case major == 1:
		var n uint16
		if err = binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to read .npy header length (v1.0)")
		}
		headerLen = int(n)
	case major >= 2:
		var n uint32
		if err = binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to read .npy header length (v2.0+)")
		}
		if n > 1<<20 {
			return nil, nil, errors.Errorf(".npy header length %d is too large", n)
		}
		headerLen = int(n)
	default:
		return nil, nil, errors.Errorf("unsupported .npy version %d.%d", major, preamble[len(npyMagic)+1])
	}
	header := make([]byte, headerLen)
	if _, err = io.ReadFull(r, header); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read .npy header")
	}
	descr, shape, fortranOrder, err := parseNpyHeader(string(header))
	if err != nil {
		return nil, nil, err
	}
	if strings.HasPrefix(descr, ">") {
		return nil, nil, errors.Errorf("big-endian .npy dtype %q not supported", descr)
	}

	numElements := 1
	for _, dim := range shape {
		numElements *= dim
	}
	var elementSize int
	var decode func(b []byte) float64
	switch strings.TrimLeft(descr, "<=|") {
	case "f2":
		elementSize = 2
		decode = func(b []byte) float64 {
			return float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
		}
	case "f4":
		elementSize = 4
		decode = func(b []byte) float64 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}
	case "f8":
		elementSize = 8
		decode = func(b []byte) float64 {
			return math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
	default:
		return nil, nil, errors.Errorf("unsupported .npy dtype %q, only float16, float32 and float64 are accepted", descr)
	}

	raw := make([]byte, numElements*elementSize)
	if _, err = io.ReadFull(r, raw); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read .npy data (expected %d bytes)", len(raw))
	}
	data = make([]float64, numElements)
	if !fortranOrder || len(shape) <= 1 {
		for ii := range data {
			data[ii] = decode(raw[ii*elementSize:])
		}
		return shape, data, nil
	}

	// Fortran (column-major) order: convert each C-order index.
	coords := make([]int, len(shape))
	for cIdx := range data {
		tmp := cIdx
		for axis := len(shape) - 1; axis >= 0; axis-- {
			coords[axis] = tmp % shape[axis]
			tmp /= shape[axis]
		}
		fIdx, stride := 0, 1
		for axis, dim := range shape {
			fIdx += coords[axis] * stride
			stride *= dim
		}
		data[cIdx] = decode(raw[fIdx*elementSize:])
	}
	return shape, data, nil
}

// parseNpyHeader extracts dtype, shape and fortran_order from the .npy header dictionary, e.g.:
// "{'descr': '<f4', 'fortran_order': False, 'shape': (75, 512), }".
func parseNpyHeader(header string) (descr string, shape []int, fortranOrder bool, err error) {
	m := reNpyDescr.FindStringSubmatch(header)
	if len(m) < 2 {
		err = errors.Errorf("could not find 'descr' in .npy header %q", header)
		return
	}
	descr = m[1]
	m = reNpyFortran.FindStringSubmatch(header)
	if len(m) < 2 {
		err = errors.Errorf("could not find 'fortran_order' in .npy header %q", header)
		return
	}
	fortranOrder = m[1] == "True"
	m = reNpyShape.FindStringSubmatch(header)
	if len(m) < 2 {
		err = errors.Errorf("could not find 'shape' in .npy header %q", header)
		return
	}
	shape = []int{}
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" { // Trailing comma in "(N,)".
			continue
		}
		dim, convErr := strconv.Atoi(part)
		if convErr != nil || dim < 0 {
			err = errors.Errorf("invalid dimension %q in .npy header %q", part, header)
			return
		}
		shape = append(shape, dim)
	}
	return
}

// WriteNpy writes float32 values with the given shape as a version 1.0 .npy array in C order.
func WriteNpy(w io.Writer, shape []int, data []float32) error {
	numElements := 1
	for _, dim := range shape {
		numElements *= dim
	}
	if numElements != len(data) {
		return errors.Errorf("shape %v requires %d elements, got %d", shape, numElements, len(data))
	}
	var shapeTuple string
	switch len(shape) {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", shape[0])
	default:
		dims := make([]string, len(shape))
		for ii, dim := range shape {
			dims[ii] = strconv.Itoa(dim)
		}
		shapeTuple = "(" + strings.Join(dims, ", ") + ")"
	}
	var header bytes.Buffer
	fmt.Fprintf(&header, "{'descr': '<f4', 'fortran_order': False, 'shape': %s, }", shapeTuple)
	// Magic (6) + version (2) + header length (2) + header + newline must be a multiple of 16.
	for (10+header.Len()+1)%16 != 0 {
		header.WriteByte(' ')
	}
	header.WriteByte('\n')

	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(header.Len()))
	buf.Write(header.Bytes())
	_ = binary.Write(&buf, binary.LittleEndian, data)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write .npy data")
	}
	return nil
}
