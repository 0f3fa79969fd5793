package chat

import "github.com/petervdpas/parley/internal/apperr"

var (
	ErrUserNotFound        = apperr.NotFound("user not found")
	ErrChatNotFound        = apperr.NotFound("chat not found")
	ErrMessageNotFound     = apperr.NotFound("message not found")
	ErrUsernameTaken       = apperr.AlreadyExists("username is already taken")
	ErrNotParticipant      = apperr.Forbidden("not a participant of this chat")
	ErrDeleteNotAllowed    = apperr.Forbidden("only the sender can delete this message now")
	ErrProfileForbidden    = apperr.Forbidden("cannot modify another user's profile")
	ErrInvalidParticipants = apperr.InvalidArg("direct chats need exactly two distinct participants")
	ErrGroupNameRequired   = apperr.InvalidArg("group chats need a name")
	ErrEmptyMessage        = apperr.InvalidArg("message content is empty")
	ErrInvalidMessageType  = apperr.InvalidArg("message type must be text, image or voice")
	ErrInvalidDuration     = apperr.InvalidArg("duration is only valid on voice messages and must be >= 0")
	ErrNotVoice            = apperr.InvalidArg("not a voice message")
	ErrChatIDConflict      = apperr.AlreadyExists("another chat already holds this direct chat id")
)
