package models

import "context"

// Messenger delivers a text message to a user over the messaging channel.
type Messenger interface {
	SendMessage(ctx context.Context, userID int64, text string) error
}

// NotificationService accepts messages for asynchronous delivery. Notify never blocks on delivery.
type NotificationService interface {
	Notify(userID int64, kind NotificationKind, message string)
}
