package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrUnknownTag indicates an envelope carrying a tag outside the closed set.
	ErrUnknownTag = errors.New("wire: unknown message tag")
	// ErrTruncated indicates an envelope shorter than its declared contents.
	ErrTruncated = errors.New("wire: truncated envelope")
	// ErrTooLarge indicates a declared field length above the frame ceiling.
	ErrTooLarge = errors.New("wire: field exceeds size limit")
)

// maxFieldBytes bounds a single declared field length. A peer announcing more
// than this is rejected before any allocation happens, and Encode refuses to
// produce such a frame in the first place.
const maxFieldBytes = 16 << 20

// maxStringBytes and maxBatchUpdates bound the uint16-prefixed fields so an
// oversized value fails loudly instead of truncating into a corrupt frame.
const (
	maxStringBytes  = 1<<16 - 1
	maxBatchUpdates = 1<<16 - 1
)

// Encode serializes a message into its binary envelope.
//
// Envelope layout, big-endian: tag(1) kind(1) roomLen(2) room, followed by
// the variant-specific fields.
func Encode(message Message) ([]byte, error) {
	switch m := message.(type) {
	case JoinRequest:
		w := newWriter(m.Tag(), m.Kind, m.RoomID)
		w.uint16(m.Version)
		return w.bytes()
	case JoinResponseOk:
		w := newWriter(m.Tag(), m.Kind, m.RoomID)
		w.uint8(m.Permission)
		w.uint16(m.Version)
		return w.bytes()
	case JoinError:
		w := newWriter(m.Tag(), m.Kind, m.RoomID)
		w.uint16(uint16(m.Code))
		w.str(m.Message)
		return w.bytes()
	case DocUpdate:
		if len(m.Updates) > maxBatchUpdates {
			return nil, fmt.Errorf("%w: %d updates in batch", ErrTooLarge, len(m.Updates))
		}
		w := newWriter(m.Tag(), m.Kind, m.RoomID)
		w.str(m.BatchID)
		w.uint16(uint16(len(m.Updates)))
		for _, update := range m.Updates {
			w.blob(update)
		}
		return w.bytes()
	case Ack:
		w := newWriter(m.Tag(), m.Kind, m.RoomID)
		w.str(m.RefID)
		w.uint8(uint8(m.Status))
		return w.bytes()
	case RoomError:
		w := newWriter(m.Tag(), m.Kind, m.RoomID)
		w.uint16(uint16(m.Code))
		w.str(m.Message)
		return w.bytes()
	case Leave:
		w := newWriter(m.Tag(), m.Kind, m.RoomID)
		return w.bytes()
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTag, message)
	}
}

// Decode parses a binary envelope. Decoding is side-effect-free; a malformed
// or unrecognized frame yields an error and no partial message.
func Decode(frame []byte) (Message, error) {
	r := &reader{buf: frame}
	tag, err := r.uint8()
	if err != nil {
		return nil, err
	}
	kindRaw, err := r.uint8()
	if err != nil {
		return nil, err
	}
	kind := Kind(kindRaw)
	room, err := r.str()
	if err != nil {
		return nil, err
	}

	switch Tag(tag) {
	case TagJoinRequest:
		version, err := r.uint16()
		if err != nil {
			return nil, err
		}
		return JoinRequest{RoomID: room, Kind: kind, Version: version}, nil
	case TagJoinResponseOk:
		permission, err := r.uint8()
		if err != nil {
			return nil, err
		}
		version, err := r.uint16()
		if err != nil {
			return nil, err
		}
		return JoinResponseOk{RoomID: room, Kind: kind, Permission: permission, Version: version}, nil
	case TagJoinError:
		code, msg, err := r.codeAndMessage()
		if err != nil {
			return nil, err
		}
		return JoinError{RoomID: room, Kind: kind, Code: code, Message: msg}, nil
	case TagDocUpdate:
		batchID, err := r.str()
		if err != nil {
			return nil, err
		}
		count, err := r.uint16()
		if err != nil {
			return nil, err
		}
		updates := make([][]byte, 0, count)
		for i := 0; i < int(count); i++ {
			payload, err := r.blob()
			if err != nil {
				return nil, err
			}
			updates = append(updates, payload)
		}
		return DocUpdate{RoomID: room, Kind: kind, BatchID: batchID, Updates: updates}, nil
	case TagAck:
		refID, err := r.str()
		if err != nil {
			return nil, err
		}
		status, err := r.uint8()
		if err != nil {
			return nil, err
		}
		return Ack{RoomID: room, Kind: kind, RefID: refID, Status: AckStatus(status)}, nil
	case TagRoomError:
		code, msg, err := r.codeAndMessage()
		if err != nil {
			return nil, err
		}
		return RoomError{RoomID: room, Kind: kind, Code: code, Message: msg}, nil
	case TagLeave:
		return Leave{RoomID: room, Kind: kind}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, tag)
	}
}

// writer accumulates a frame and latches the first field that exceeded its
// length prefix; bytes surfaces that error instead of a truncated frame.
type writer struct {
	buf []byte
	err error
}

func newWriter(tag Tag, kind Kind, room string) *writer {
	w := &writer{buf: make([]byte, 0, 4+len(room)+16)}
	w.uint8(uint8(tag))
	w.uint8(uint8(kind))
	w.str(room)
	return w
}

func (w *writer) uint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) uint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) uint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) str(s string) {
	if len(s) > maxStringBytes {
		w.fail(fmt.Errorf("%w: string field of %d bytes", ErrTooLarge, len(s)))
		return
	}
	w.uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) blob(b []byte) {
	if len(b) > maxFieldBytes {
		w.fail(fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b)))
		return
	}
	w.uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *writer) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if n > maxFieldBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	if r.off+n > len(r.buf) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d", ErrTruncated, n, r.off)
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) uint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) str() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) blob() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *reader) codeAndMessage() (ErrorCode, string, error) {
	code, err := r.uint16()
	if err != nil {
		return 0, "", err
	}
	msg, err := r.str()
	if err != nil {
		return 0, "", err
	}
	return ErrorCode(code), msg, nil
}
