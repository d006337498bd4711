package billing

import (
	"fmt"
	"time"

	"vpnshop/internal/models"
)

var moscow = time.FixedZone("MSK", 3*60*60)

func formatExpiry(sub *models.Subscription) string {
	if sub.ExpiresAt >= models.VIPExpiry.Unix() {
		return "бессрочно"
	}
	return "до " + sub.ExpiresAtTime().In(moscow).Format("02.01.2006 15:04")
}

func formatQuota(limitMB int64) string {
	switch {
	case limitMB == 0:
		return "без ограничений"
	case limitMB%1024 == 0:
		return fmt.Sprintf("%d ГБ", limitMB/1024)
	default:
		return fmt.Sprintf("%d МБ", limitMB)
	}
}

func purchaseMessage(sub *models.Subscription, t *models.Tariff) string {
	return fmt.Sprintf("✅ Оплата прошла успешно!\n\nПодписка активна %s.\nЛимит трафика: %s.\n\nКлючи доступны в разделе «Мои ключи». Приятного пользования!",
		formatExpiry(sub), formatQuota(sub.EffectiveTrafficLimitMB(t)))
}

func renewalMessage(sub *models.Subscription, t *models.Tariff) string {
	return fmt.Sprintf("✅ Подписка продлена!\n\nДействует %s.\nЛимит трафика: %s.",
		formatExpiry(sub), formatQuota(sub.EffectiveTrafficLimitMB(t)))
}

func duplicateMessage(sub *models.Subscription) string {
	return fmt.Sprintf("✅ Оплата получена. Ваша подписка уже активна %s.", formatExpiry(sub))
}
