package model

import (
	"strconv"
	"time"
)

// ChatType enumerates the kinds of chat events that travel over the wire.
type ChatType string

const (
	ChatTypeText     ChatType = "TEXT"
	ChatTypeJoin     ChatType = "JOIN"
	ChatTypeLeave    ChatType = "LEAVE"
	ChatTypeUserList ChatType = "USER_LIST"
)

// Message is one chat event. TEXT messages are persisted before broadcast
// and carry a server-assigned id and timestamp; USER_LIST messages are
// ephemeral and only ever broadcast.
type Message struct {
	ID       uint      `json:"id,omitempty" gorm:"primarykey"`
	RoomID   int       `json:"roomId" gorm:"index;not null"`
	Username string    `json:"username" gorm:"size:100;not null"`
	Body     string    `json:"message" gorm:"size:2000"`
	Type     ChatType  `json:"type" gorm:"size:16;not null"`
	Time     time.Time `json:"time"`
}

func (Message) TableName() string {
	return "messages"
}

// Identity is a verified username plus its granted authorities.
type Identity struct {
	Username    string   `json:"username"`
	Authorities []string `json:"authorities,omitempty"`
}

// User is a registered account. The password is stored as a bcrypt hash
// and never serialized.
type User struct {
	ID           uint      `json:"-" gorm:"primarykey"`
	Username     string    `json:"username" gorm:"size:100;uniqueIndex;not null"`
	PasswordHash string    `json:"-" gorm:"size:100;not null"`
	Authority    string    `json:"authority" gorm:"size:32;not null;default:NORMAL"`
	Birthday     string    `json:"birthday,omitempty" gorm:"size:32"`
	Interests    string    `json:"interests,omitempty" gorm:"size:255"`
	CreatedAt    time.Time `json:"-"`
}

func (User) TableName() string {
	return "users"
}

// SecurityQuestion is a user's password-recovery question. One per
// username; the answer is stored as a bcrypt hash like a password.
type SecurityQuestion struct {
	ID         uint   `json:"-" gorm:"primarykey"`
	Username   string `json:"username" gorm:"size:100;uniqueIndex;not null"`
	Question   string `json:"question" gorm:"size:255;not null"`
	AnswerHash string `json:"-" gorm:"size:100;not null"`
}

func (SecurityQuestion) TableName() string {
	return "security_questions"
}

// Room is a chat room inside a group.
type Room struct {
	ID      uint   `json:"roomId" gorm:"primarykey"`
	GroupID int    `json:"groupId" gorm:"index;not null"`
	Name    string `json:"name" gorm:"size:100;not null"`
}

func (Room) TableName() string {
	return "rooms"
}

// Group is a collection of rooms.
type Group struct {
	ID   uint   `json:"groupId" gorm:"primarykey"`
	Name string `json:"name" gorm:"size:100;not null"`
}

func (Group) TableName() string {
	return "groups"
}

// ExportRecord is a signed chat-history archive: base64 workbook payload,
// PEM public key and base64 signature over the payload's SHA-256 digest.
type ExportRecord struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	Username  string    `json:"username" gorm:"uniqueIndex:idx_export_user_file;size:100;not null"`
	FileName  string    `json:"fileName" gorm:"uniqueIndex:idx_export_user_file;size:255;not null"`
	Data      string    `json:"-" gorm:"not null"`
	PublicKey string    `json:"-" gorm:"not null"`
	Signature string    `json:"-" gorm:"not null"`
	CreatedAt time.Time `json:"createdAt"`
}

func (ExportRecord) TableName() string {
	return "exports"
}

// Frame commands accepted from clients.
const (
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandSend        = "SEND"
)

// Frame is the text-frame convention shared by both directions: inbound
// frames carry a command, outbound frames only a destination and payload.
type Frame struct {
	Command     string   `json:"command,omitempty"`
	Destination string   `json:"destination"`
	Message     *Message `json:"message,omitempty"`
}

// Well-known destinations.
const (
	TopicMessage     = "/topic/message"
	TopicOnlineUsers = "/topic/online-users"

	AppMessage        = "/app/message"
	AppSendMessage    = "/app/sendMessage"
	AppGetOnlineUsers = "/app/get-online-users"

	// QueueErrors carries frame-handling failures back to the session that
	// caused them.
	QueueErrors = "/queue/errors"
)

// RoomTopic derives the room-scoped destination from a room id. All
// participants of a room subscribe to this exact string.
func RoomTopic(roomID int) string {
	return TopicMessage + "/" + strconv.Itoa(roomID)
}

// Wire is the outbound channel of a single transport connection.
type Wire struct {
	TX chan Frame
}

func NewWire() Wire {
	return Wire{
		TX: make(chan Frame),
	}
}
