package push

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"github.com/nellylemmy/talktime-video-app-sub004/internal/database"
)

// VAPIDKeys are the Web Push application keys from config.
type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Notifier sends Web Push notifications to users without a live websocket,
// typically for instant-call invites. Subscriptions live in sqlite.
type Notifier struct {
	db     *gorm.DB
	keys   VAPIDKeys
	logger *slog.Logger
}

func NewNotifier(db *gorm.DB, keys VAPIDKeys, logger *slog.Logger) *Notifier {
	return &Notifier{db: db, keys: keys, logger: logger}
}

// Notify pushes title/body plus structured data to every subscription the
// user registered. Gone endpoints (410/404) are pruned.
func (n *Notifier) Notify(userID, title, body string, data map[string]any) error {
	var subscriptions []database.PushSubscription
	if err := n.db.Where("user_id = ?", userID).Find(&subscriptions).Error; err != nil {
		return fmt.Errorf("load subscriptions for %s: %w", userID, err)
	}
	if len(subscriptions) == 0 {
		n.logger.Debug("no push subscriptions", "user_id", userID)
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"title":   title,
		"body":    body,
		"data":    data,
		"urgency": "high",
	})
	if err != nil {
		return err
	}

	for _, sub := range subscriptions {
		target := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}
		resp, err := webpush.SendNotification(payload, target, &webpush.Options{
			Subscriber:      n.keys.Subject,
			VAPIDPublicKey:  n.keys.PublicKey,
			VAPIDPrivateKey: n.keys.PrivateKey,
			TTL:             60,
			Urgency:         webpush.UrgencyHigh,
		})
		if err != nil {
			n.logger.Warn("push send failed", "user_id", userID, "error", err)
			continue
		}
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			n.logger.Info("pruning dead push subscription", "user_id", userID, "status", resp.StatusCode)
			n.db.Delete(&database.PushSubscription{}, "id = ?", sub.ID)
		}
		resp.Body.Close()
	}
	return nil
}

// Subscribe replaces the user's subscriptions with the given endpoint.
func (n *Notifier) Subscribe(userID, endpoint, p256dh, auth string) (*database.PushSubscription, error) {
	if err := n.db.Where("user_id = ?", userID).Delete(&database.PushSubscription{}).Error; err != nil {
		n.logger.Warn("failed to drop old subscriptions", "user_id", userID, "error", err)
	}
	subscription := database.PushSubscription{
		UserID:   userID,
		Endpoint: endpoint,
		P256DH:   p256dh,
		Auth:     auth,
	}
	if err := n.db.Create(&subscription).Error; err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return &subscription, nil
}

func (n *Notifier) Unsubscribe(userID, endpoint string) error {
	return n.db.Where("user_id = ? AND endpoint = ?", userID, endpoint).
		Delete(&database.PushSubscription{}).Error
}
