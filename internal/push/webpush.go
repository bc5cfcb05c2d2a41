package push

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/npezzotti/go-collab/internal/database"
)

const (
	defaultTTL  = 60 * 60 * 24
	sendTimeout = 10 * time.Second
)

type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// WebPushSender delivers encrypted payloads to browser push services
// authenticated with VAPID.
type WebPushSender struct {
	vapid  VAPIDConfig
	client *http.Client
}

func NewWebPushSender(cfg VAPIDConfig) *WebPushSender {
	return &WebPushSender{
		vapid:  cfg,
		client: &http.Client{Timeout: sendTimeout},
	}
}

func (s *WebPushSender) Send(ctx context.Context, sub database.PushSubscription, payload []byte) error {
	// webpush-go prefixes non-https subscribers with mailto: itself.
	subscriber := strings.TrimPrefix(s.vapid.Subject, "mailto:")

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      subscriber,
		VAPIDPublicKey:  s.vapid.PublicKey,
		VAPIDPrivateKey: s.vapid.PrivateKey,
		TTL:             defaultTTL,
	})
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrGone, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push service returned status %d: %s", resp.StatusCode, msg)
	}

	return nil
}
