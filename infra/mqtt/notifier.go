package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kilianp07/powerguard/core/events"
	"github.com/kilianp07/powerguard/infra/logger"
)

// Notifier publishes guard notifications on <prefix>/events/<type>.
type Notifier struct {
	cli    publisher
	prefix string
	log    logger.Logger
}

// NewNotifier creates a notifier publishing below prefix.
func NewNotifier(cli publisher, prefix string) *Notifier {
	return &Notifier{cli: cli, prefix: strings.TrimSuffix(prefix, "/"), log: logger.New("mqtt_notifier")}
}

type notificationPayload struct {
	events.Notification
	Tokens map[string]any `json:"tokens"`
}

// Publish sends the notification. Errors are logged: notifications are
// fire and forget.
func (n *Notifier) Publish(ev events.Notification) {
	payload, err := json.Marshal(notificationPayload{Notification: ev, Tokens: ev.Tokens()})
	if err != nil {
		n.log.Errorf("encode notification: %v", err)
		return
	}
	topic := fmt.Sprintf("%s/events/%s", n.prefix, ev.Type)
	if err := n.cli.Publish(topic, "event", false, payload); err != nil {
		n.log.Warnf("publish %s failed: %v", ev.Type, err)
	}
}
