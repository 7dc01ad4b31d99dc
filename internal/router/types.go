package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType is the "type" tag of an inbound frame.
type MessageType string

// Recognized inbound message types.
const (
	TypeTaskUpdated  MessageType = "task_updated"
	TypeTaskCreated  MessageType = "task_created"
	TypeNudgeSent    MessageType = "nudge_sent"
	TypeNotification MessageType = "notification"
)

// Cache keys invalidated by the dispatch pipeline.
const (
	CacheKeyTasks         = "tasks"
	CacheKeyNotifications = "notifications"
)

// Notification text used by the dispatch pipeline.
const (
	TitleNewTask     = "New Task"
	TitleNudge       = "Nudge!"
	DefaultNudgeBody = "Your partner is nudging you about a task"
)

// ErrUnknownType is wrapped by Decode for types outside the dispatch table.
var ErrUnknownType = errors.New("unknown message type")

// DecodeError reports a frame that could not be turned into a Message.
type DecodeError struct {
	Type   string // Message type, if it could be read
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		if e.Err != nil {
			return fmt.Sprintf("decode %s: %s: %v", e.Type, e.Reason, e.Err)
		}
		return fmt.Sprintf("decode %s: %s", e.Type, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Envelope is the wire format of every frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Message is a decoded inbound frame. It is what listeners receive.
type Message struct {
	Type       MessageType
	Data       json.RawMessage // Raw payload as received
	Payload    Payload         // Typed payload for Type
	ReceivedAt time.Time
}

// Payload is implemented only by the payload types in this package.
type Payload interface {
	messageType() MessageType
}

// Task mirrors the server's task resource.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"` // "low", "medium" or "high"
	DueDate     string `json:"dueDate,omitempty"`
	Completed   bool   `json:"completed"`
	AssignedTo  string `json:"assignedTo,omitempty"`
	CreatedBy   string `json:"createdBy,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

// TaskUpdated is the payload of task_updated. Task is nil when the server
// sent no task object.
type TaskUpdated struct {
	Task *Task
}

// TaskCreated is the payload of task_created.
type TaskCreated struct {
	Task
}

// NudgeSent is the payload of nudge_sent.
type NudgeSent struct {
	ID         string `json:"id"`
	TaskID     string `json:"taskId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	Message    string `json:"message,omitempty"`
	CreatedAt  string `json:"createdAt,omitempty"`
}

// NotificationPayload is the payload of notification.
type NotificationPayload struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Kind      string `json:"type"` // "nudge", "task_completed" or "task_assigned"
	Title     string `json:"title"`
	Message   string `json:"message"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"createdAt,omitempty"`
}

func (TaskUpdated) messageType() MessageType         { return TypeTaskUpdated }
func (TaskCreated) messageType() MessageType         { return TypeTaskCreated }
func (NudgeSent) messageType() MessageType           { return TypeNudgeSent }
func (NotificationPayload) messageType() MessageType { return TypeNotification }

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived   int64
	MessagesDispatched int64
	ParseErrors        int64
	UnknownMessages    int64
	NotifyErrors       int64
	ListenerErrors     int64
}
