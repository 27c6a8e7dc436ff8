package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/QuillSyncLabs/quillsync/backend/internal/wire"
	"github.com/gorilla/websocket"
)

func TestWebSocketJoinHandshake(testContext *testing.T) {
	handler := mustHandler(testContext)
	server := httptest.NewServer(handler)
	defer server.Close()

	docID := mustCreateDocument(testContext, server, "Handshake")
	socket := mustDial(testContext, server, docID)
	defer socket.Close()

	mustWriteFrame(testContext, socket, wire.JoinRequest{
		RoomID:  docID,
		Kind:    wire.KindContent,
		Version: 1,
	})

	first := mustReadMessage(testContext, socket)
	ok, isOk := first.(wire.JoinResponseOk)
	if !isOk {
		testContext.Fatalf("expected JoinResponseOk first, got %T", first)
	}
	if ok.RoomID != docID {
		testContext.Fatalf("expected room %q, got %q", docID, ok.RoomID)
	}

	second := mustReadMessage(testContext, socket)
	update, isUpdate := second.(wire.DocUpdate)
	if !isUpdate {
		testContext.Fatalf("expected DocUpdate second, got %T", second)
	}
	if len(update.Updates) != 1 {
		testContext.Fatalf("expected one snapshot payload, got %d", len(update.Updates))
	}
}

func TestWebSocketFanoutBetweenPeers(testContext *testing.T) {
	handler := mustHandler(testContext)
	server := httptest.NewServer(handler)
	defer server.Close()

	docID := mustCreateDocument(testContext, server, "Fanout")

	sender := mustDial(testContext, server, docID)
	defer sender.Close()
	receiver := mustDial(testContext, server, docID)
	defer receiver.Close()

	mustJoinSocket(testContext, sender, docID)
	mustJoinSocket(testContext, receiver, docID)

	mustWriteFrame(testContext, sender, wire.DocUpdate{
		RoomID:  docID,
		Kind:    wire.KindEphemeral,
		BatchID: "cursor-move",
		Updates: [][]byte{{0x01, 0x02, 0x03}},
	})

	delivered := mustReadMessage(testContext, receiver)
	update, isUpdate := delivered.(wire.DocUpdate)
	if !isUpdate {
		testContext.Fatalf("expected DocUpdate at the peer, got %T", delivered)
	}
	if update.BatchID != "cursor-move" {
		testContext.Fatalf("expected batch id to survive fanout, got %q", update.BatchID)
	}

	acked := mustReadMessage(testContext, sender)
	ack, isAck := acked.(wire.Ack)
	if !isAck {
		testContext.Fatalf("expected Ack at the origin, got %T", acked)
	}
	if ack.RefID != "cursor-move" || ack.Status != wire.AckOk {
		testContext.Fatalf("unexpected ack %+v", ack)
	}
}

func TestCloseCodeMirrorsCleanClientClose(testContext *testing.T) {
	clean := &websocket.CloseError{Code: websocket.CloseNormalClosure}
	if code := closeCodeForError(clean); code != websocket.CloseNormalClosure {
		testContext.Fatalf("expected normal closure, got %d", code)
	}
	goingAway := &websocket.CloseError{Code: websocket.CloseGoingAway}
	if code := closeCodeForError(goingAway); code != websocket.CloseNormalClosure {
		testContext.Fatalf("expected normal closure for going away, got %d", code)
	}
	if code := closeCodeForError(errors.New("connection reset")); code != websocket.CloseInternalServerErr {
		testContext.Fatalf("expected internal error code, got %d", code)
	}
}

func mustCreateDocument(testContext *testing.T, server *httptest.Server, title string) string {
	testContext.Helper()
	response, err := http.Post(server.URL+"/documents", "application/json", strings.NewReader(`{"title":"`+title+`"}`))
	if err != nil {
		testContext.Fatalf("create request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("expected created status, got %d", response.StatusCode)
	}
	var payload documentPayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("response decode failed: %v", err)
	}
	return payload.DocID
}

func mustDial(testContext *testing.T, server *httptest.Server, docID string) *websocket.Conn {
	testContext.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?docId=" + docID
	socket, response, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		testContext.Fatalf("dial failed: %v", err)
	}
	if response != nil {
		response.Body.Close()
	}
	return socket
}

func mustJoinSocket(testContext *testing.T, socket *websocket.Conn, docID string) {
	testContext.Helper()
	mustWriteFrame(testContext, socket, wire.JoinRequest{
		RoomID: docID,
		Kind:   wire.KindContent,
	})
	if _, isOk := mustReadMessage(testContext, socket).(wire.JoinResponseOk); !isOk {
		testContext.Fatal("join handshake failed")
	}
	if _, isUpdate := mustReadMessage(testContext, socket).(wire.DocUpdate); !isUpdate {
		testContext.Fatal("expected snapshot update after join")
	}
}

func mustWriteFrame(testContext *testing.T, socket *websocket.Conn, message wire.Message) {
	testContext.Helper()
	frame, err := wire.Encode(message)
	if err != nil {
		testContext.Fatalf("encode failed: %v", err)
	}
	if err := socket.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		testContext.Fatalf("write failed: %v", err)
	}
}

func mustReadMessage(testContext *testing.T, socket *websocket.Conn) wire.Message {
	testContext.Helper()
	if err := socket.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		testContext.Fatalf("deadline failed: %v", err)
	}
	messageType, frame, err := socket.ReadMessage()
	if err != nil {
		testContext.Fatalf("read failed: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		testContext.Fatalf("expected binary frame, got type %d", messageType)
	}
	message, err := wire.Decode(frame)
	if err != nil {
		testContext.Fatalf("decode failed: %v", err)
	}
	return message
}
