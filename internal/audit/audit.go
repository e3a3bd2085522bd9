// Package audit receives session and message records for persistence.
// Writes are fire-and-forget: the core never depends on their success.
package audit

import (
	"log/slog"
	"time"
)

type SessionRecord struct {
	ID        string
	User1     string
	User2     string
	ChatType  string
	Status    string
	StartedAt time.Time
}

type MessageRecord struct {
	ID         string
	SessionID  string
	Sender     string
	Content    string
	IsFlagged  bool
	Confidence float64
	CreatedAt  time.Time
}

// Sink persists audit records. Implementations must not block the caller;
// errors are theirs to log and swallow.
type Sink interface {
	SessionStarted(rec SessionRecord)
	SessionEnded(sessionID string, endedAt time.Time)
	MessageSaved(rec MessageRecord)
}

// LogSink records audit events to the logger only. Stands in for the
// document-store writer, which lives outside this core.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "audit_sink"))}
}

func (s *LogSink) SessionStarted(rec SessionRecord) {
	s.logger.Debug("Session started",
		slog.String("sessionID", rec.ID),
		slog.String("chatType", rec.ChatType),
	)
}

func (s *LogSink) SessionEnded(sessionID string, endedAt time.Time) {
	s.logger.Debug("Session ended", slog.String("sessionID", sessionID))
}

func (s *LogSink) MessageSaved(rec MessageRecord) {
	s.logger.Debug("Message saved",
		slog.String("sessionID", rec.SessionID),
		slog.Bool("flagged", rec.IsFlagged),
	)
}
