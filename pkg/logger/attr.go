// Package logger builds slog loggers and keeps attribute keys consistent
// across the notification services.
package logger

import "log/slog"

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// UserID records the user identifier under the key "user_id".
func UserID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("user_id", id)
}

// NotificationID records the notification identifier under "notification_id".
func NotificationID(id string) slog.Attr {
	return slog.String("notification_id", id)
}

// Channel records a delivery channel under "channel".
func Channel(name string) slog.Attr {
	return slog.String("channel", name)
}

// TaskID records a queue task identifier under "task_id".
func TaskID(id any) slog.Attr {
	return slog.Any("task_id", id)
}

// TaskName records a queue task name under "task_name".
func TaskName(name string) slog.Attr {
	return slog.String("task_name", name)
}

// TemplateID records an email template identifier under "template_id".
func TemplateID(id string) slog.Attr {
	return slog.String("template_id", id)
}

// TrackingID records an email tracking identifier under "tracking_id".
func TrackingID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("tracking_id", id)
}

// MessageID records a provider message identifier under "message_id".
func MessageID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("message_id", id)
}

// EventType records the event type under the key "event_type".
func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

// Attempt records the attempt number under "attempt".
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Duration records a duration under the key "duration".
func Duration(d any) slog.Attr {
	return slog.Any("duration", d)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
