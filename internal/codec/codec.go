// Package codec implements the dispatcher that reads/writes a chunk's
// point buffer through a named codec (laszip/zstd/raw).
//
// laszip is an opaque external collaborator, injected as a LasCodec
// rather than linked in directly, since actually decoding LAS/LAZ is out
// of scope here. zstandard and binary are in-scope and implemented
// directly.
package codec

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/entwine-project/entwine/internal/config"
	"github.com/entwine-project/entwine/internal/errs"
)

// LasCodec is the external collaborator that knows how to encode/decode a
// LAS/LAZ point buffer. The core builder never links a concrete LAS
// library; without an implementation the laszip dataType is unavailable,
// and cmd/entwine supplies none.
type LasCodec interface {
	Encode(schema config.Schema, laz14 bool, points [][]float64) ([]byte, error)
	Decode(schema config.Schema, data []byte) ([][]float64, error)
}

// Extension returns the on-disk file extension for a dataType.
func Extension(dt config.DataType) string {
	switch dt {
	case config.DataTypeLaszip:
		return "laz"
	case config.DataTypeZstandard:
		return "zst"
	default:
		return "bin"
	}
}

// Dispatcher reads/writes chunk payloads via the configured dataType.
type Dispatcher struct {
	Las LasCodec
}

// writeRaw encodes one point's dimensions in schema order using a raw,
// fixed-width, little-endian layout: any dimension with a scale set (in
// practice X/Y/Z) as signed 32-bit (value-offset)/scale rounded to
// nearest, every other dimension at its declared width.
func writeRaw(w *bytes.Buffer, schema config.Schema, point []float64) error {
	for i, d := range schema {
		v := point[i]
		if d.HasScale() {
			scaled := math.Round((v - d.Offset) / d.Scale)
			if err := binary.Write(w, binary.LittleEndian, int32(scaled)); err != nil {
				return err
			}
			continue
		}
		switch d.Type {
		case "float":
			if d.Size == 4 {
				if err := binary.Write(w, binary.LittleEndian, float32(v)); err != nil {
					return err
				}
			} else {
				if err := binary.Write(w, binary.LittleEndian, v); err != nil {
					return err
				}
			}
		case "signed":
			if err := writeSignedWidth(w, int64(v), d.Size); err != nil {
				return err
			}
		default: // "unsigned"
			if err := writeUnsignedWidth(w, uint64(v), d.Size); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeSignedWidth(w *bytes.Buffer, v int64, size int) error {
	switch size {
	case 1:
		return binary.Write(w, binary.LittleEndian, int8(v))
	case 2:
		return binary.Write(w, binary.LittleEndian, int16(v))
	case 4:
		return binary.Write(w, binary.LittleEndian, int32(v))
	default:
		return binary.Write(w, binary.LittleEndian, v)
	}
}

func writeUnsignedWidth(w *bytes.Buffer, v uint64, size int) error {
	switch size {
	case 1:
		return binary.Write(w, binary.LittleEndian, uint8(v))
	case 2:
		return binary.Write(w, binary.LittleEndian, uint16(v))
	case 4:
		return binary.Write(w, binary.LittleEndian, uint32(v))
	default:
		return binary.Write(w, binary.LittleEndian, v)
	}
}

func readRaw(r *bytes.Reader, schema config.Schema) ([]float64, error) {
	out := make([]float64, len(schema))
	for i, d := range schema {
		if d.HasScale() {
			var iv int32
			if err := binary.Read(r, binary.LittleEndian, &iv); err != nil {
				return nil, err
			}
			out[i] = float64(iv)*d.Scale + d.Offset
			continue
		}
		switch d.Type {
		case "float":
			if d.Size == 4 {
				var v float32
				if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
					return nil, err
				}
				out[i] = float64(v)
			} else {
				var v float64
				if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
					return nil, err
				}
				out[i] = v
			}
		case "signed":
			v, err := readSignedWidth(r, d.Size)
			if err != nil {
				return nil, err
			}
			out[i] = float64(v)
		default:
			v, err := readUnsignedWidth(r, d.Size)
			if err != nil {
				return nil, err
			}
			out[i] = float64(v)
		}
	}
	return out, nil
}

func readSignedWidth(r *bytes.Reader, size int) (int64, error) {
	switch size {
	case 1:
		var v int8
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case 2:
		var v int16
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case 4:
		var v int32
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	default:
		var v int64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	}
}

func readUnsignedWidth(r *bytes.Reader, size int) (uint64, error) {
	switch size {
	case 1:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case 2:
		var v uint16
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case 4:
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	default:
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	}
}

// EncodeRaw serializes points in schema order using the raw layout, with
// no further compression (the "binary" dataType).
func EncodeRaw(schema config.Schema, points [][]float64) ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range points {
		if err := writeRaw(&buf, schema, p); err != nil {
			return nil, errs.Io("encode raw point", err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeRaw is the inverse of EncodeRaw.
func DecodeRaw(schema config.Schema, data []byte) ([][]float64, error) {
	r := bytes.NewReader(data)
	var out [][]float64
	for r.Len() > 0 {
		p, err := readRaw(r, schema)
		if err != nil {
			return nil, errs.Decode("raw point record", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Write encodes points according to dataType and returns the bytes ready
// to PUT to the object store, and the file extension to store them under.
func (d Dispatcher) Write(dataType config.DataType, schema config.Schema, laz14 bool, points [][]float64) ([]byte, string, error) {
	switch dataType {
	case config.DataTypeLaszip:
		if d.Las == nil {
			return nil, "", errs.Configf("dataType laszip requested but no LasCodec configured")
		}
		b, err := d.Las.Encode(schema, laz14, points)
		if err != nil {
			return nil, "", errs.Io("laszip encode", err)
		}
		return b, "laz", nil
	case config.DataTypeZstandard:
		raw, err := EncodeRaw(schema, points)
		if err != nil {
			return nil, "", err
		}
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, "", errs.Io("zstd writer init", err)
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), "zst", nil
	default: // binary
		raw, err := EncodeRaw(schema, points)
		if err != nil {
			return nil, "", err
		}
		return raw, "bin", nil
	}
}

// Read decodes a chunk payload back into row-major points, given the
// dataType it was written with.
func (d Dispatcher) Read(dataType config.DataType, schema config.Schema, data []byte) ([][]float64, error) {
	switch dataType {
	case config.DataTypeLaszip:
		if d.Las == nil {
			return nil, errs.Configf("dataType laszip requested but no LasCodec configured")
		}
		pts, err := d.Las.Decode(schema, data)
		if err != nil {
			return nil, errs.Decode("laszip decode", err)
		}
		return pts, nil
	case config.DataTypeZstandard:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, errs.Io("zstd reader init", err)
		}
		defer dec.Close()
		raw, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, errs.Decode("zstd payload", err)
		}
		return DecodeRaw(schema, raw)
	default:
		return DecodeRaw(schema, data)
	}
}
