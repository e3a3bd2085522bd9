// Package match holds the waiting pool and the compatibility scoring that
// pairs participants.
package match

import (
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Entry is one participant's waiting-to-be-matched record.
type Entry struct {
	Participant string
	Interests   []string
	PreferVideo bool
	Premium     bool
	Trial       bool
	Gender      string
	// GenderPreference is honored only when Premium is true.
	GenderPreference string
	JoinedAt         time.Time
}

// Queue is the concurrent waiting pool. Every mutation and every scan runs
// under one exclusive lock over the whole collection, so FindMatch observes
// a consistent snapshot. Enumeration follows insertion order.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string

	logger *slog.Logger
}

func NewQueue(logger *slog.Logger) *Queue {
	return &Queue{
		entries: make(map[string]*Entry),
		order:   make([]string, 0),
		logger:  logger.With(slog.String("component", "match_queue")),
	}
}

// Enqueue inserts the entry, replacing any previous entry for the same
// participant. A replaced entry keeps its position in enumeration order.
func (q *Queue) Enqueue(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[e.Participant]; !exists {
		q.order = append(q.order, e.Participant)
	}
	q.entries[e.Participant] = e
}

// Dequeue removes the participant's entry if present; no-op otherwise.
func (q *Queue) Dequeue(participant string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[participant]; !exists {
		return
	}
	delete(q.entries, participant)
	q.order = lo.Without(q.order, participant)
}

// Len reports the number of waiting participants.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// FindMatch scans every other waiting entry and returns the identity of the
// highest-scoring compatible candidate. It does not remove either side from
// the queue: the caller dequeues both after acting on the result and must
// tolerate the winner having left the queue in the meantime.
func (q *Queue) FindMatch(participant string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[participant]
	if !ok {
		return "", false
	}

	bestMatch := ""
	bestScore := -1

	for _, otherID := range q.order {
		if otherID == participant {
			continue
		}
		other := q.entries[otherID]

		// Gender filter is premium-gated and applies in both directions;
		// a candidate failing either direction is skipped outright.
		if entry.Premium && entry.GenderPreference != "" && other.Gender != entry.GenderPreference {
			continue
		}
		if other.Premium && other.GenderPreference != "" && entry.Gender != other.GenderPreference {
			continue
		}

		candidateScore := score(entry, other)

		// Strictly greater replaces; ties keep the first candidate seen.
		if candidateScore > bestScore {
			bestScore = candidateScore
			bestMatch = otherID
		}
	}

	if bestMatch == "" {
		return "", false
	}
	q.logger.Info("Match found",
		slog.String("participant", participant),
		slog.String("match", bestMatch),
		slog.Int("score", bestScore),
	)
	return bestMatch, true
}

func score(entry, other *Entry) int {
	s := 0

	// Interest matching is free for everyone. Interests are compared as
	// sets, so a repeated interest counts once.
	common := lo.Intersect(lo.Uniq(entry.Interests), lo.Uniq(other.Interests))
	s += len(common) * 10

	// Same chat type preference.
	if entry.PreferVideo == other.PreferVideo {
		s += 5
	}

	// Premium and trial users get slight queue priority.
	if other.Premium || other.Trial {
		s += 3
	}

	return s
}
