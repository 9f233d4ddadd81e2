package walog

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/relnix/pathindex/model"
)

// encodeEventV2 serializes an Event: kind(1) timeUnixNS(8) identKey
// hasKey(1) device(8) inode(8) pathLen(4) path[...] size(8) mtimeNS(8)
// statValid(1) hasFrom(1) [fromHasKey(1) fromDevice(8) fromInode(8)
// fromPathLen(4) fromPath[...]].
func encodeEventV2(ev model.Event) []byte {
	var buf []byte
	buf = append(buf, byte(ev.Kind))
	buf = appendUint64(buf, uint64(ev.Time.UnixNano()))
	buf = appendIdentifier(buf, ev.Ident)
	buf = appendUint64(buf, ev.Size)
	buf = appendUint64(buf, uint64(ev.MtimeNS))
	buf = append(buf, boolByte(ev.StatValid))
	if ev.From != nil {
		buf = append(buf, 1)
		buf = appendIdentifier(buf, *ev.From)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func appendIdentifier(buf []byte, id model.FileIdentifier) []byte {
	buf = append(buf, boolByte(id.HasKey))
	buf = appendUint64(buf, id.Key.Device)
	buf = appendUint64(buf, id.Key.Inode)
	buf = appendUint32(buf, uint32(len(id.Path)))
	buf = append(buf, id.Path...)
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// decodeEvent dispatches on version: v1 records predate Rename/From and
// are decoded into an equivalent Event with From left nil.
func decodeEvent(version RecordVersion, payload []byte) (model.Event, error) {
	switch version {
	case RecordV1, RecordV2:
		return decodeEventV2(payload)
	default:
		return model.Event{}, fmt.Errorf("walog: unsupported record version %d", version)
	}
}

func decodeEventV2(p []byte) (model.Event, error) {
	r := &byteReader{buf: p}
	kind := model.EventKind(r.u8())
	ts := r.u64()
	ident, err := r.identifier()
	if err != nil {
		return model.Event{}, err
	}
	size := r.u64()
	mtime := int64(r.u64())
	statValid := r.u8() != 0
	hasFrom := r.u8() != 0
	var from *model.FileIdentifier
	if hasFrom {
		f, err := r.identifier()
		if err != nil {
			return model.Event{}, err
		}
		from = &f
	}
	if r.err != nil {
		return model.Event{}, r.err
	}
	return model.Event{
		Kind:      kind,
		Time:      time.Unix(0, int64(ts)),
		Ident:     ident,
		Size:      size,
		MtimeNS:   mtime,
		StatValid: statValid,
		From:      from,
	}, nil
}

type byteReader struct {
	buf []byte
	off int
	err error
}

func (r *byteReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("walog: truncated record")
		return false
	}
	return true
}

func (r *byteReader) u8() byte {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *byteReader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *byteReader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *byteReader) identifier() (model.FileIdentifier, error) {
	hasKey := r.u8() != 0
	device := r.u64()
	inode := r.u64()
	pathLen := r.u32()
	if !r.need(int(pathLen)) {
		return model.FileIdentifier{}, r.err
	}
	path := string(r.buf[r.off : r.off+int(pathLen)])
	r.off += int(pathLen)
	return model.FileIdentifier{
		Path:   path,
		Key:    model.FileKey{Device: device, Inode: inode},
		HasKey: hasKey,
	}, r.err
}
