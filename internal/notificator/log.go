package notificator

import (
	"context"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

// LogMessenger writes messages to the log instead of sending them. Used when no bot token is set.
type LogMessenger struct {
	logger *logger.Logger
}

var _ models.Messenger = (*LogMessenger)(nil)

func NewLogMessenger(logger *logger.Logger) *LogMessenger {
	return &LogMessenger{logger: logger}
}

func (m *LogMessenger) SendMessage(_ context.Context, userID int64, text string) error {
	m.logger.Infow("message", "user_id", userID, "text", text)
	return nil
}
