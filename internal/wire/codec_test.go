package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestDocUpdateRoundTrip(t *testing.T) {
	original := DocUpdate{
		RoomID:  "doc-1",
		Kind:    KindContent,
		BatchID: "batch-42",
		Updates: [][]byte{{0x01, 0x02}, {0x03}, {}},
	}

	frame, err := Encode(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	update, ok := decoded.(DocUpdate)
	if !ok {
		t.Fatalf("expected DocUpdate, got %T", decoded)
	}
	if update.RoomID != original.RoomID || update.BatchID != original.BatchID {
		t.Fatalf("identity fields mismatch: %+v", update)
	}
	if len(update.Updates) != len(original.Updates) {
		t.Fatalf("expected %d fragments, got %d", len(original.Updates), len(update.Updates))
	}
	for i := range original.Updates {
		if !bytes.Equal(update.Updates[i], original.Updates[i]) {
			t.Fatalf("fragment %d mismatch", i)
		}
	}
}

func TestJoinHandshakeRoundTrip(t *testing.T) {
	frame, err := Encode(JoinRequest{RoomID: "doc-9", Kind: KindContent, Version: 3})
	if err != nil {
		t.Fatalf("encode join request failed: %v", err)
	}
	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode join request failed: %v", err)
	}
	request, ok := decoded.(JoinRequest)
	if !ok || request.RoomID != "doc-9" || request.Version != 3 {
		t.Fatalf("unexpected join request: %#v", decoded)
	}

	frame, err = Encode(JoinError{RoomID: "doc-9", Kind: KindContent, Code: CodeNotFound, Message: "document not found"})
	if err != nil {
		t.Fatalf("encode join error failed: %v", err)
	}
	decoded, err = Decode(frame)
	if err != nil {
		t.Fatalf("decode join error failed: %v", err)
	}
	joinError, ok := decoded.(JoinError)
	if !ok || joinError.Code != CodeNotFound || joinError.Message != "document not found" {
		t.Fatalf("unexpected join error: %#v", decoded)
	}
}

func TestAckCarriesBatchReference(t *testing.T) {
	frame, err := Encode(Ack{RoomID: "doc-2", Kind: KindContent, RefID: "batch-7", Status: AckOk})
	if err != nil {
		t.Fatalf("encode ack failed: %v", err)
	}
	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode ack failed: %v", err)
	}
	ack, ok := decoded.(Ack)
	if !ok {
		t.Fatalf("expected Ack, got %T", decoded)
	}
	if ack.RefID != "batch-7" || ack.Status != AckOk {
		t.Fatalf("unexpected ack: %#v", ack)
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	frame := []byte{0xff, 0x00, 0x00, 0x00}
	if _, err := Decode(frame); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	frame, err := Encode(DocUpdate{RoomID: "doc-3", BatchID: "b", Updates: [][]byte{{0x01, 0x02, 0x03}}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := Decode(frame[:len(frame)-2]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestEncodeRejectsOversizedStringField(t *testing.T) {
	if _, err := Encode(Ack{
		RoomID: "doc-5",
		Kind:   KindContent,
		RefID:  strings.Repeat("x", maxStringBytes+1),
		Status: AckOk,
	}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestEncodeRejectsOversizedBatch(t *testing.T) {
	updates := make([][]byte, maxBatchUpdates+1)
	for i := range updates {
		updates[i] = []byte{0x01}
	}
	if _, err := Encode(DocUpdate{
		RoomID:  "doc-5",
		Kind:    KindContent,
		BatchID: "b",
		Updates: updates,
	}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestEncodeRejectsOversizedFragment(t *testing.T) {
	if _, err := Encode(DocUpdate{
		RoomID:  "doc-5",
		Kind:    KindContent,
		BatchID: "b",
		Updates: [][]byte{make([]byte, maxFieldBytes+1)},
	}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestDecodeRejectsOversizedFragment(t *testing.T) {
	frame, err := Encode(DocUpdate{RoomID: "doc-4", BatchID: "b", Updates: [][]byte{{0x01}}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	// Rewrite the fragment length prefix to an absurd value.
	frame[len(frame)-5] = 0xff
	frame[len(frame)-4] = 0xff
	if _, err := Decode(frame); !errors.Is(err, ErrTooLarge) && !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected size rejection, got %v", err)
	}
}
