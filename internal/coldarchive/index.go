package coldarchive

import (
	"bytes"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/tinylib/msgp/msgp"
)

// PartitionIndex is the side-car index written next to a cold partition's
// compressed span data, per §4.5: partition time bounds, counts, a local
// service-interning table, a roaring bitmap per local service ID, an
// error-spans bitmap and a slow-spans bitmap.
type PartitionIndex struct {
	PartitionKey int64
	StartNS      int64
	EndNS        int64
	TraceCount   uint64
	SpanCount    uint64

	// Services maps a global service name to the partition-local 16-bit
	// ID used as the key into ServiceBitmaps, per §4.5.
	Services map[string]uint16

	ServiceBitmaps map[uint16]*roaring.Bitmap
	ErrorBitmap    *roaring.Bitmap
	SlowBitmap     *roaring.Bitmap
}

func newPartitionIndex(key int64) *PartitionIndex {
	return &PartitionIndex{
		PartitionKey:   key,
		Services:       make(map[string]uint16),
		ServiceBitmaps: make(map[uint16]*roaring.Bitmap),
		ErrorBitmap:    roaring.New(),
		SlowBitmap:     roaring.New(),
	}
}

// localService returns the partition-local ID for name, assigning one on
// first use. Unlike the hot-tier intern table this never overflows in
// practice: a single hour's worth of distinct service names is small.
func (p *PartitionIndex) localService(name string) uint16 {
	if id, ok := p.Services[name]; ok {
		return id
	}
	id := uint16(len(p.Services) + 1)
	p.Services[name] = id
	p.ServiceBitmaps[id] = roaring.New()
	return id
}

// encodeMsg writes the index using the raw msgp.Writer primitives, in
// the same hand-rolled-field style the teacher's generated *_gen.go files
// use (field count, then name/value pairs as a msgpack map).
func (p *PartitionIndex) encodeMsg(w *msgp.Writer) error {
	if err := w.WriteMapHeader(8); err != nil {
		return err
	}
	for _, step := range []func() error{
		func() error { return writeKV(w, "partition_key", func() error { return w.WriteInt64(p.PartitionKey) }) },
		func() error { return writeKV(w, "start_ns", func() error { return w.WriteInt64(p.StartNS) }) },
		func() error { return writeKV(w, "end_ns", func() error { return w.WriteInt64(p.EndNS) }) },
		func() error { return writeKV(w, "trace_count", func() error { return w.WriteUint64(p.TraceCount) }) },
		func() error { return writeKV(w, "span_count", func() error { return w.WriteUint64(p.SpanCount) }) },
		func() error { return writeKV(w, "services", func() error { return writeStringUint16Map(w, p.Services) }) },
		func() error {
			return writeKV(w, "service_bitmaps", func() error { return writeBitmapMap(w, p.ServiceBitmaps) })
		},
		func() error {
			return writeKV(w, "flag_bitmaps", func() error {
				return writeBitmapMap(w, map[uint16]*roaring.Bitmap{0: p.ErrorBitmap, 1: p.SlowBitmap})
			})
		},
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func writeKV(w *msgp.Writer, key string, value func() error) error {
	if err := w.WriteString(key); err != nil {
		return err
	}
	return value()
}

func writeStringUint16Map(w *msgp.Writer, m map[string]uint16) error {
	if err := w.WriteMapHeader(uint32(len(m))); err != nil {
		return err
	}
	for k, v := range m {
		if err := w.WriteString(k); err != nil {
			return err
		}
		if err := w.WriteUint16(v); err != nil {
			return err
		}
	}
	return nil
}

func writeBitmapMap(w *msgp.Writer, m map[uint16]*roaring.Bitmap) error {
	if err := w.WriteMapHeader(uint32(len(m))); err != nil {
		return err
	}
	for k, b := range m {
		if err := w.WriteUint16(k); err != nil {
			return err
		}
		raw, err := b.ToBytes()
		if err != nil {
			return err
		}
		if err := w.WriteBytes(raw); err != nil {
			return err
		}
	}
	return nil
}

func decodePartitionIndex(r *msgp.Reader) (*PartitionIndex, error) {
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, err
	}
	idx := newPartitionIndex(0)
	flagBitmaps := map[uint16]*roaring.Bitmap{}
	for i := uint32(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		switch key {
		case "partition_key":
			if idx.PartitionKey, err = r.ReadInt64(); err != nil {
				return nil, err
			}
		case "start_ns":
			if idx.StartNS, err = r.ReadInt64(); err != nil {
				return nil, err
			}
		case "end_ns":
			if idx.EndNS, err = r.ReadInt64(); err != nil {
				return nil, err
			}
		case "trace_count":
			if idx.TraceCount, err = r.ReadUint64(); err != nil {
				return nil, err
			}
		case "span_count":
			if idx.SpanCount, err = r.ReadUint64(); err != nil {
				return nil, err
			}
		case "services":
			if idx.Services, err = readStringUint16Map(r); err != nil {
				return nil, err
			}
		case "service_bitmaps":
			if idx.ServiceBitmaps, err = readBitmapMap(r); err != nil {
				return nil, err
			}
		case "flag_bitmaps":
			if flagBitmaps, err = readBitmapMap(r); err != nil {
				return nil, err
			}
		default:
			if err := r.Skip(); err != nil {
				return nil, err
			}
		}
	}
	if b, ok := flagBitmaps[0]; ok {
		idx.ErrorBitmap = b
	}
	if b, ok := flagBitmaps[1]; ok {
		idx.SlowBitmap = b
	}
	return idx, nil
}

func readStringUint16Map(r *msgp.Reader) (map[string]uint16, error) {
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint16, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func readBitmapMap(r *msgp.Reader) (map[uint16]*roaring.Bitmap, error) {
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, err
	}
	out := make(map[uint16]*roaring.Bitmap, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		raw, err := r.ReadBytes(nil)
		if err != nil {
			return nil, err
		}
		b := roaring.New()
		if _, err := b.FromBuffer(raw); err != nil {
			return nil, fmt.Errorf("coldarchive: decode bitmap for local service %d: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

// marshalIndex and unmarshalIndex are the byte-slice convenience wrappers
// most callers use, mirroring msgp.Encode/msgp.Decode but operating on an
// explicit buffer so the whole index can be written to its side-car file
// in one piece.
func marshalIndex(idx *PartitionIndex) ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := idx.encodeMsg(w); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalIndex(raw []byte) (*PartitionIndex, error) {
	r := msgp.NewReader(bytes.NewReader(raw))
	return decodePartitionIndex(r)
}
