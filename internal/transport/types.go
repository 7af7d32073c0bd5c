// Package transport defines the chat-platform neutral types the bot core
// talks in. The Telegram adapter is the only implementation.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
	UpdatePhoto    UpdateKind = "photo"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	IsGroup      bool
	// ReplyToID is the id of the message this one answers (0 if none).
	ReplyToID int
	// PhotoID is the largest size file id for UpdatePhoto.
	PhotoID string
	// AlbumID groups photos sent together.
	AlbumID string
}

type Callback struct {
	ID        string
	FromID    int64
	FromName  string
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// ForceReply asks the client to open a reply to this message.
	ForceReply bool
	// RemoveKeyboard hides a previously sent reply keyboard.
	RemoveKeyboard bool
	// ReplyMarkupAdapter is adapter-specific markup (Telegram: *telebot.ReplyMarkup).
	ReplyMarkupAdapter any
}

// Notification is a fire-and-forget message handled by the notifier.
type Notification struct {
	// Key deduplicates identical notifications inside the dedup window.
	// Empty means "derive from target and text".
	Key     string
	Target  ChatTarget
	Text    string
	Options *SendOptions

	// Photos turns the notification into an album with Text as caption.
	Photos []string
	// Fallback is tried once when delivery to Target fails.
	Fallback *ChatTarget
	// FollowUp is sent after a successful album (e.g. a keyboard message,
	// since albums cannot carry inline buttons).
	FollowUp *Notification
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	SendAlbum(ctx context.Context, to ChatTarget, photoIDs []string, caption string, opt *SendOptions) ([]MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// Sender is the subset of Adapter the engine needs for live messages.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is optionally implemented by adapters that can publish
// a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
