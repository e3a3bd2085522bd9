// Package moderation defines the content-review collaborator. The decision
// itself is external; the core only consumes the verdict.
package moderation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"
)

const (
	ActionAllow = "allow"
	ActionWarn  = "warn"
	ActionBlock = "block"
)

// Verdict is the external moderation decision for one text payload.
type Verdict struct {
	IsSafe     bool
	Confidence float64
	Categories map[string]float64
	Action     string
}

// Moderator reviews a text payload. Implementations may call out to an
// upstream service; the relay never retries and falls back to allow on error.
type Moderator interface {
	Review(ctx context.Context, content string) (Verdict, error)
}

// ParseVerdict decodes the JSON reply of an upstream moderation service.
func ParseVerdict(raw string) (Verdict, error) {
	if !gjson.Valid(raw) {
		return Verdict{}, fmt.Errorf("moderation: invalid verdict payload")
	}
	parsed := gjson.Parse(raw)
	action := parsed.Get("action")
	if !action.Exists() {
		return Verdict{}, fmt.Errorf("moderation: verdict missing action")
	}

	v := Verdict{
		IsSafe:     parsed.Get("is_safe").Bool(),
		Confidence: parsed.Get("confidence").Float(),
		Categories: make(map[string]float64),
		Action:     action.String(),
	}
	parsed.Get("categories").ForEach(func(key, value gjson.Result) bool {
		v.Categories[key.String()] = value.Float()
		return true
	})
	return v, nil
}

// AllowVerdict is the conservative default used when the collaborator fails.
func AllowVerdict() Verdict {
	return Verdict{IsSafe: true, Confidence: 0.5, Categories: map[string]float64{}, Action: ActionAllow}
}

// ReviewOrAllow runs the moderator and falls back to the allow verdict when
// it is unavailable. A collaborator failure is never a blocking fault.
func ReviewOrAllow(ctx context.Context, m Moderator, content string, logger *slog.Logger) Verdict {
	verdict, err := m.Review(ctx, content)
	if err != nil {
		logger.Error("Moderation failed, defaulting to allow", slog.Any("error", err))
		return AllowVerdict()
	}
	return verdict
}

// StaticModerator returns the same verdict for every payload. Used in wiring
// until an upstream reviewer is configured, and in tests.
type StaticModerator struct {
	Verdict Verdict
}

func NewStaticModerator(verdict Verdict) *StaticModerator {
	return &StaticModerator{Verdict: verdict}
}

func (m *StaticModerator) Review(ctx context.Context, content string) (Verdict, error) {
	return m.Verdict, nil
}
