package wire

// Tag identifies the message variant carried by an envelope.
type Tag uint8

const (
	TagJoinRequest Tag = iota + 1
	TagJoinResponseOk
	TagJoinError
	TagDocUpdate
	TagAck
	TagRoomError
	TagLeave
)

// Kind distinguishes persistable document content from ephemeral presence data.
// Ephemeral fragments are broadcast but never logged or persisted.
type Kind uint8

const (
	KindContent Kind = iota
	KindEphemeral
)

// ErrorCode classifies JoinError and RoomError replies.
type ErrorCode uint16

const (
	CodeRoomMismatch ErrorCode = iota + 1
	CodeNotFound
	CodeInternal
)

// AckStatus reports the outcome of a DocUpdate batch.
type AckStatus uint8

const (
	AckOk AckStatus = iota
	AckRejected
)

// Message is the closed set of envelope variants exchanged over a connection.
// Every variant carries the room identifier and CRDT kind.
type Message interface {
	Tag() Tag
	Room() string
}

// JoinRequest asks to join the session serving RoomID.
type JoinRequest struct {
	RoomID  string
	Kind    Kind
	Version uint16
}

// JoinResponseOk confirms a successful join handshake.
type JoinResponseOk struct {
	RoomID     string
	Kind       Kind
	Permission uint8
	Version    uint16
}

// JoinError rejects a join attempt; the connection may retry.
type JoinError struct {
	RoomID  string
	Kind    Kind
	Code    ErrorCode
	Message string
}

// DocUpdate carries one batch of CRDT update fragments.
type DocUpdate struct {
	RoomID  string
	Kind    Kind
	BatchID string
	Updates [][]byte
}

// Ack confirms receipt of the DocUpdate batch identified by RefID.
type Ack struct {
	RoomID string
	Kind   Kind
	RefID  string
	Status AckStatus
}

// RoomError rejects a message addressed to the wrong room.
type RoomError struct {
	RoomID  string
	Kind    Kind
	Code    ErrorCode
	Message string
}

// Leave announces that the client is leaving the room.
type Leave struct {
	RoomID string
	Kind   Kind
}

func (m JoinRequest) Tag() Tag    { return TagJoinRequest }
func (m JoinResponseOk) Tag() Tag { return TagJoinResponseOk }
func (m JoinError) Tag() Tag      { return TagJoinError }
func (m DocUpdate) Tag() Tag      { return TagDocUpdate }
func (m Ack) Tag() Tag            { return TagAck }
func (m RoomError) Tag() Tag      { return TagRoomError }
func (m Leave) Tag() Tag          { return TagLeave }

func (m JoinRequest) Room() string    { return m.RoomID }
func (m JoinResponseOk) Room() string { return m.RoomID }
func (m JoinError) Room() string      { return m.RoomID }
func (m DocUpdate) Room() string      { return m.RoomID }
func (m Ack) Room() string            { return m.RoomID }
func (m RoomError) Room() string      { return m.RoomID }
func (m Leave) Room() string          { return m.RoomID }
