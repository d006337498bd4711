// Package notify delivers user messages through the Telegram bot.
package notify

import (
	"context"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"vpnshop/internal/models"
)

type userLookup interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
}

// messageSender is the part of *telego.Bot the sender uses.
type messageSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

type TelegramSender struct {
	bot   messageSender
	users userLookup
	log   *zap.Logger
}

func NewTelegramSender(bot *telego.Bot, users userLookup, log *zap.Logger) *TelegramSender {
	return newTelegramSender(bot, users, log)
}

func newTelegramSender(bot messageSender, users userLookup, log *zap.Logger) *TelegramSender {
	return &TelegramSender{bot: bot, users: users, log: log.Named("notify")}
}

// Send resolves the user's chat and delivers text. Failures are logged and
// reported as false.
func (s *TelegramSender) Send(ctx context.Context, userID uint, text string) bool {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		s.log.Warn("notification recipient lookup failed", zap.Uint("user_id", userID), zap.Error(err))
		return false
	}

	if _, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(user.TelegramID), text)); err != nil {
		s.log.Warn("telegram send failed",
			zap.Uint("user_id", userID),
			zap.Int64("telegram_id", user.TelegramID),
			zap.Error(err))
		return false
	}
	return true
}
