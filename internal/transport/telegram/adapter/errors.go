package adapter

import (
	"errors"

	tele "gopkg.in/telebot.v4"

	"remindbot/internal/reminder"
)

// permanentErrors can never succeed on retry: the user blocked the bot,
// deleted the account or never opened the chat.
var permanentErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
	tele.ErrNotStartedByUser,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
}

// Classify wraps a telebot error as a reminder.TransportError. Known
// dead-chat errors and other 400/403 answers are permanent; flood control,
// 5xx, 401 and network failures are retryable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var te *reminder.TransportError
	if errors.As(err, &te) {
		return err
	}
	for _, p := range permanentErrors {
		if errors.Is(err, p) {
			return reminder.Permanent(err)
		}
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 400 || apiErr.Code == 403 {
			return reminder.Permanent(err)
		}
	}
	return reminder.Retryable(err)
}
