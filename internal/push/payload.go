package push

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"firebase.google.com/go/v4/messaging"
)

// Notification is the content shared by every target shape.
type Notification struct {
	Title string
	Body  string
	Data  map[string]any
}

// EnvelopeConfig carries the platform defaults applied to every message.
type EnvelopeConfig struct {
	TTL              time.Duration
	AndroidChannelID string
	AndroidIcon      string
	WebIcon          string
	AnalyticsLabel   string
}

var analyticsLabelPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_.~%]{1,50}$`)

// BuildData converts arbitrary values to the string-only map providers
// accept. Nil values are dropped; objects and arrays are JSON encoded.
func BuildData(data map[string]any) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := stringify(v); ok {
			out[k] = s
		}
	}
	return out
}

func stringify(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(val), true
	case json.Number:
		return val.String(), true
	case fmt.Stringer:
		return val.String(), true
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val), true
		}
		return string(b), true
	}
}

// Envelope is the unified message body before a target is attached.
type Envelope struct {
	Data         map[string]string
	Notification *messaging.Notification
	Android      *messaging.AndroidConfig
	APNS         *messaging.APNSConfig
	Webpush      *messaging.WebpushConfig
	FCMOptions   *messaging.FCMOptions
}

// BuildEnvelope assembles the android, apns and webpush blocks for n.
// The badge comes from data.badgeCount and defaults to 1.
func BuildEnvelope(n Notification, cfg EnvelopeConfig, now time.Time) Envelope {
	data := BuildData(n.Data)
	ttl := cfg.TTL
	badge := badgeCount(data["badgeCount"])
	tag := data["tag"]

	label := cfg.AnalyticsLabel
	if t := data["type"]; analyticsLabelPattern.MatchString(t) {
		label = t
	}
	var fcmOptions *messaging.FCMOptions
	if label != "" {
		fcmOptions = &messaging.FCMOptions{AnalyticsLabel: label}
	}

	return Envelope{
		Data: data,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
			Notification: &messaging.AndroidNotification{
				Title:     n.Title,
				Body:      n.Body,
				Icon:      cfg.AndroidIcon,
				Sound:     "default",
				ChannelID: cfg.AndroidChannelID,
				Tag:       tag,
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority":   "10",
				"apns-expiration": strconv.FormatInt(now.Add(ttl).Unix(), 10),
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: n.Title,
						Body:  n.Body,
					},
					Sound:    "default",
					Badge:    &badge,
					Category: data["type"],
				},
			},
		},
		Webpush: &messaging.WebpushConfig{
			Headers: map[string]string{
				"TTL": strconv.Itoa(int(ttl.Seconds())),
			},
			Data: data,
			Notification: &messaging.WebpushNotification{
				Title:   n.Title,
				Body:    n.Body,
				Icon:    cfg.WebIcon,
				Tag:     tag,
				Vibrate: []int{200, 100, 200},
				Actions: []*messaging.WebpushNotificationAction{
					{Action: "open", Title: "Open"},
					{Action: "dismiss", Title: "Dismiss"},
				},
			},
		},
		FCMOptions: fcmOptions,
	}
}

// Message attaches a single token or topic to the envelope.
func (e Envelope) Message(token, topic string) *messaging.Message {
	return &messaging.Message{
		Token:        token,
		Topic:        topic,
		Data:         e.Data,
		Notification: e.Notification,
		Android:      e.Android,
		APNS:         e.APNS,
		Webpush:      e.Webpush,
		FCMOptions:   e.FCMOptions,
	}
}

// Multicast attaches a token batch to the envelope.
func (e Envelope) Multicast(tokens []string) *messaging.MulticastMessage {
	return &messaging.MulticastMessage{
		Tokens:       tokens,
		Data:         e.Data,
		Notification: e.Notification,
		Android:      e.Android,
		APNS:         e.APNS,
		Webpush:      e.Webpush,
		FCMOptions:   e.FCMOptions,
	}
}

func badgeCount(s string) int {
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return int(f)
	}
	return 1
}
