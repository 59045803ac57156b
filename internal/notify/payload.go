package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Payload is the type-specific data of a notification.
// Each notification Type has exactly one payload struct.
type Payload interface {
	Type() Type
	// Fields flattens the payload for template variables.
	Fields() map[string]any
}

type SurveyCreated struct {
	SurveyID    string         `json:"survey_id"`
	SurveyTitle string         `json:"survey_title"`
	DueAt       *time.Time     `json:"due_at,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

type SurveyCompleted struct {
	SurveyID      string         `json:"survey_id"`
	SurveyTitle   string         `json:"survey_title"`
	ResponseCount int            `json:"response_count"`
	Extra         map[string]any `json:"extra,omitempty"`
}

type SurveyReminder struct {
	SurveyID    string         `json:"survey_id"`
	SurveyTitle string         `json:"survey_title"`
	DueAt       *time.Time     `json:"due_at,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

type AccountUpdate struct {
	Field     string         `json:"field"`
	ChangedBy string         `json:"changed_by,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

type SystemAlert struct {
	Severity string         `json:"severity"`
	Code     string         `json:"code,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

type FeatureAnnouncement struct {
	Feature string         `json:"feature"`
	URL     string         `json:"url,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

func (SurveyCreated) Type() Type       { return TypeSurveyCreated }
func (SurveyCompleted) Type() Type     { return TypeSurveyCompleted }
func (SurveyReminder) Type() Type      { return TypeSurveyReminder }
func (AccountUpdate) Type() Type       { return TypeAccountUpdate }
func (SystemAlert) Type() Type         { return TypeSystemAlert }
func (FeatureAnnouncement) Type() Type { return TypeFeatureAnnouncement }

func (p SurveyCreated) Fields() map[string]any {
	return withExtra(p.Extra, map[string]any{
		"survey_id":    p.SurveyID,
		"survey_title": p.SurveyTitle,
		"due_at":       formatTime(p.DueAt),
	})
}

func (p SurveyCompleted) Fields() map[string]any {
	return withExtra(p.Extra, map[string]any{
		"survey_id":      p.SurveyID,
		"survey_title":   p.SurveyTitle,
		"response_count": p.ResponseCount,
	})
}

func (p SurveyReminder) Fields() map[string]any {
	return withExtra(p.Extra, map[string]any{
		"survey_id":    p.SurveyID,
		"survey_title": p.SurveyTitle,
		"due_at":       formatTime(p.DueAt),
	})
}

func (p AccountUpdate) Fields() map[string]any {
	return withExtra(p.Extra, map[string]any{
		"field":      p.Field,
		"changed_by": p.ChangedBy,
	})
}

func (p SystemAlert) Fields() map[string]any {
	return withExtra(p.Extra, map[string]any{
		"severity": p.Severity,
		"code":     p.Code,
	})
}

func (p FeatureAnnouncement) Fields() map[string]any {
	return withExtra(p.Extra, map[string]any{
		"feature": p.Feature,
		"url":     p.URL,
	})
}

// withExtra merges extra under fields; typed fields win on conflict.
func withExtra(extra, fields map[string]any) map[string]any {
	out := maps.Clone(extra)
	if out == nil {
		out = make(map[string]any, len(fields))
	}
	maps.Copy(out, fields)
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// DecodePayload decodes raw into the payload struct for t.
// Empty or null input yields a nil payload.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var (
		p   Payload
		err error
	)
	switch t {
	case TypeSurveyCreated:
		p, err = decode[SurveyCreated](raw)
	case TypeSurveyCompleted:
		p, err = decode[SurveyCompleted](raw)
	case TypeSurveyReminder:
		p, err = decode[SurveyReminder](raw)
	case TypeAccountUpdate:
		p, err = decode[AccountUpdate](raw)
	case TypeSystemAlert:
		p, err = decode[SystemAlert](raw)
	case TypeFeatureAnnouncement:
		p, err = decode[FeatureAnnouncement](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return p, nil
}

func decode[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
