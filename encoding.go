package shardq

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/andreyvit/shardq/kv"
	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// resultChecksumSize is the xxhash64 trailer of an encoded result.
const resultChecksumSize = 8

// bytesBuilder lets msgpack append into a caller-provided buffer.
type bytesBuilder struct {
	Buf []byte
}

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = append(bb.Buf, b...)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	bb.Buf = append(bb.Buf, v)
	return nil
}

func (bb *bytesBuilder) WriteString(s string) (int, error) {
	bb.Buf = append(bb.Buf, s...)
	return len(s), nil
}

func appendMsgpack(buf []byte, v any) ([]byte, error) {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return buf, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	return bb.Buf, nil
}

func decodeMsgpack(data []byte, v any) error {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	if err != nil {
		return kv.DataErrorf(data, err, "failed to decode msgpack into %T", v)
	}
	return nil
}

// EncodeOffsets encodes the value of a term frequency key: the token
// positions of a term within a document.
func EncodeOffsets(offsets []int) []byte {
	buf, err := appendMsgpack(nil, offsets)
	if err != nil {
		panic(err)
	}
	return buf
}

func DecodeOffsets(data []byte) ([]int, error) {
	var offsets []int
	if err := decodeMsgpack(data, &offsets); err != nil {
		return nil, err
	}
	return offsets, nil
}

type wireAttribute struct {
	Value     string `msgpack:"v"`
	Source    []byte `msgpack:"s,omitempty"`
	FromIndex bool   `msgpack:"i,omitempty"`
}

type wireDocument struct {
	Fields map[string][]wireAttribute `msgpack:"f"`
}

type wireResult struct {
	Key      []byte        `msgpack:"k"`
	Datatype string        `msgpack:"t"`
	UID      string        `msgpack:"u"`
	Document *wireDocument `msgpack:"d,omitempty"`
	Payload  any           `msgpack:"p,omitempty"`
}

func toWireDocument(d *Document) *wireDocument {
	if d == nil {
		return nil
	}
	w := &wireDocument{Fields: make(map[string][]wireAttribute, len(d.fields))}
	for f, attrs := range d.fields {
		wattrs := make([]wireAttribute, len(attrs))
		for i, a := range attrs {
			wattrs[i] = wireAttribute{Value: a.Value, FromIndex: a.FromIndex}
			if !a.Source.IsZero() {
				wattrs[i].Source = kv.EncodeKey(a.Source)
			}
		}
		w.Fields[f] = wattrs
	}
	return w
}

func fromWireDocument(w *wireDocument) (*Document, error) {
	if w == nil {
		return nil, nil
	}
	d := NewDocument()
	for f, wattrs := range w.Fields {
		for _, wa := range wattrs {
			a := Attribute{Value: wa.Value, FromIndex: wa.FromIndex}
			if wa.Source != nil {
				k, err := kv.DecodeKey(wa.Source)
				if err != nil {
					return nil, err
				}
				a.Source = k
			}
			d.Put(f, a)
		}
	}
	d.Seal()
	return d, nil
}

// EncodeDocument serializes a document for shipping to another process.
func EncodeDocument(d *Document) ([]byte, error) {
	return appendMsgpack(nil, toWireDocument(d))
}

// DecodeDocument returns a sealed document.
func DecodeDocument(data []byte) (*Document, error) {
	var w wireDocument
	if err := decodeMsgpack(data, &w); err != nil {
		return nil, err
	}
	return fromWireDocument(&w)
}

// EncodeResult serializes a result for shipping to another process:
// msgpack data followed by its little-endian xxhash64. The payload must be
// msgpack-encodable; it decodes into generic maps and slices.
func EncodeResult(r Result) ([]byte, error) {
	buf, err := appendMsgpack(nil, &wireResult{
		Key:      kv.EncodeKey(r.Key),
		Datatype: r.Pointer.Datatype,
		UID:      r.Pointer.UID,
		Document: toWireDocument(r.Document),
		Payload:  r.Payload,
	})
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf)), nil
}

func DecodeResult(data []byte) (Result, error) {
	n := len(data) - resultChecksumSize
	if n <= 0 {
		return Result{}, kv.DataErrorf(data, nil, "result too short")
	}
	body := data[:n]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(data[n:]) {
		return Result{}, kv.DataErrorf(data, nil, "result checksum mismatch")
	}
	var w wireResult
	if err := decodeMsgpack(body, &w); err != nil {
		return Result{}, err
	}
	k, err := kv.DecodeKey(w.Key)
	if err != nil {
		return Result{}, err
	}
	doc, err := fromWireDocument(w.Document)
	if err != nil {
		return Result{}, err
	}
	return Result{Key: k, Pointer: DocumentPointer{w.Datatype, w.UID}, Document: doc, Payload: w.Payload}, nil
}
