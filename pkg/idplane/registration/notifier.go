package registration

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Notifier delivers one-time codes to a phone number.
type Notifier interface {
	SendOTP(ctx context.Context, phone, code string, ttl time.Duration) error
}

// LogNotifier writes codes to the log. Development only.
type LogNotifier struct {
	Log *zap.SugaredLogger
}

func (n LogNotifier) SendOTP(_ context.Context, phone, code string, ttl time.Duration) error {
	n.Log.Infow("One-time code issued", "phone", phone, "code", code, "ttl", ttl)
	return nil
}
