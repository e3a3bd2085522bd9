// Package relay runs one signaling loop per connected participant and moves
// each connection through the Idle -> Queued -> Matched lifecycle.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tidwall/gjson"

	"github.com/yaratul2005/OmegleXTalkNow/internal/audit"
	"github.com/yaratul2005/OmegleXTalkNow/internal/match"
	"github.com/yaratul2005/OmegleXTalkNow/internal/moderation"
	"github.com/yaratul2005/OmegleXTalkNow/internal/profile"
	"github.com/yaratul2005/OmegleXTalkNow/internal/registry"
	"github.com/yaratul2005/OmegleXTalkNow/pkg/config"
	"github.com/yaratul2005/OmegleXTalkNow/pkg/transport"
)

type ConnState int

const (
	// StateIdle: connected, not queued, no session.
	StateIdle ConnState = iota
	// StateQueued: waiting in the match queue.
	StateQueued
	// StateMatched: part of an active session.
	StateMatched
	// StateClosed: transport gone, terminal.
	StateClosed
)

// Session is the live pairing between two matched participants.
type Session struct {
	ID        string
	PartnerID string
	ChatType  string
	StartedAt time.Time
}

type Relay struct {
	logger     *slog.Logger
	queue      *match.Queue
	registry   *registry.Registry
	moderator  moderation.Moderator
	profiles   profile.Directory
	sink       audit.Sink
	iceServers []config.ICEServerConfig

	peers *xsync.Map[string, *Peer]
}

func New(
	logger *slog.Logger,
	queue *match.Queue,
	reg *registry.Registry,
	moderator moderation.Moderator,
	profiles profile.Directory,
	sink audit.Sink,
	iceServers []config.ICEServerConfig,
) *Relay {
	return &Relay{
		logger:     logger.With(slog.String("component", "signaling_relay")),
		queue:      queue,
		registry:   reg,
		moderator:  moderator,
		profiles:   profiles,
		sink:       sink,
		iceServers: iceServers,
		peers:      xsync.NewMap[string, *Peer](),
	}
}

// QueueSize reports the current number of waiting participants.
func (r *Relay) QueueSize() int {
	return r.queue.Len()
}

// Peer is the relay-side state for one connection.
type Peer struct {
	relay       *Relay
	participant string
	anonymous   bool
	conn        *transport.Connection
	handle      *registry.Handle
	logger      *slog.Logger

	mu      sync.Mutex
	state   ConnState
	session *Session
}

// Attach binds a freshly accepted connection to the relay. A prior peer for
// the same participant is superseded in the peer table and the registry; its
// own teardown becomes a stale no-op.
func (r *Relay) Attach(participant string, anonymous bool, conn *transport.Connection) *Peer {
	p := &Peer{
		relay:       r,
		participant: participant,
		anonymous:   anonymous,
		conn:        conn,
		logger: r.logger.With(
			slog.String("participant", participant),
			slog.String("connID", conn.ID().String()),
		),
	}
	p.handle = r.registry.Register(participant, conn)
	r.peers.Store(participant, p)

	conn.SetOnMessageHandler(p.handleMessage)
	conn.SetOnCloseHandler(p.teardown)
	return p
}

// handleMessage is the per-connection loop body: the transport read pump
// calls it sequentially for every inbound frame.
func (p *Peer) handleMessage(ctx context.Context, _ uuid.UUID, raw []byte) {
	kind := gjson.GetBytes(raw, "type")
	if !kind.Exists() {
		p.logger.Error("Message missing type discriminator, ignoring")
		return
	}

	switch kind.String() {
	case kindFindMatch:
		var msg findMatchMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.logger.Error("Malformed find_match message, ignoring", slog.Any("error", err))
			return
		}
		p.handleFindMatch(ctx, &msg)
	case kindOffer, kindAnswer, kindICE:
		var msg signalMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.logger.Error("Malformed signaling message, ignoring", slog.Any("error", err))
			return
		}
		p.handleSignal(kind.String(), &msg)
	case kindChatMessage:
		var msg chatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.logger.Error("Malformed chat message, ignoring", slog.Any("error", err))
			return
		}
		p.handleChat(ctx, &msg)
	case kindSkip, kindDisconnect:
		var msg endMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.logger.Error("Malformed end message, ignoring", slog.Any("error", err))
			return
		}
		p.handleEnd(kind.String(), &msg)
	default:
		p.logger.Error("Unknown message type, ignoring", slog.String("type", kind.String()))
	}
}

// handleFindMatch enqueues the caller and immediately attempts a pairing.
// Entitlement and gender come from the profile directory, never from the
// message; anonymous callers are always non-premium.
func (p *Peer) handleFindMatch(ctx context.Context, msg *findMatchMessage) {
	var prof profile.Profile
	if !p.anonymous {
		resolved, err := p.relay.profiles.Lookup(ctx, p.participant)
		if err != nil {
			p.logger.Error("Profile lookup failed, treating as anonymous", slog.Any("error", err))
		} else {
			prof = resolved
		}
	}

	genderPreference := ""
	if prof.Premium {
		genderPreference = msg.GenderPreference
	}
	isTrial := msg.UseTrial && prof.Trial && !prof.Premium

	p.relay.queue.Enqueue(&match.Entry{
		Participant:      p.participant,
		Interests:        msg.Interests,
		PreferVideo:      msg.PreferVideo,
		Premium:          prof.Premium,
		Trial:            isTrial,
		Gender:           prof.Gender,
		GenderPreference: genderPreference,
		JoinedAt:         time.Now().UTC(),
	})

	partnerID, found := p.relay.queue.FindMatch(p.participant)
	if !found {
		p.setState(StateQueued)
		p.send(waitingNotice{Type: kindWaiting, QueueSize: p.relay.queue.Len()})
		return
	}

	chatType := "text"
	if msg.PreferVideo {
		chatType = "video"
	}
	session := &Session{
		ID:        uuid.NewString(),
		PartnerID: partnerID,
		ChatType:  chatType,
		StartedAt: time.Now().UTC(),
	}

	p.relay.queue.Dequeue(p.participant)
	p.relay.queue.Dequeue(partnerID)

	notice := matchedNotice{
		Type:       kindMatched,
		SessionID:  session.ID,
		PartnerID:  p.participant,
		ChatType:   chatType,
		ICEServers: p.relay.iceServers,
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		p.logger.Error("Failed to marshal matched notice", slog.Any("error", err))
		return
	}

	// The winner may already have left the queue's registry by now; a failed
	// delivery is treated as a miss and the caller keeps waiting.
	if !p.relay.registry.Deliver(partnerID, payload) {
		p.logger.Info("Matched partner unreachable, staying queued", slog.String("partner", partnerID))
		p.relay.queue.Enqueue(&match.Entry{
			Participant:      p.participant,
			Interests:        msg.Interests,
			PreferVideo:      msg.PreferVideo,
			Premium:          prof.Premium,
			Trial:            isTrial,
			Gender:           prof.Gender,
			GenderPreference: genderPreference,
			JoinedAt:         time.Now().UTC(),
		})
		p.setState(StateQueued)
		p.send(waitingNotice{Type: kindWaiting, QueueSize: p.relay.queue.Len()})
		return
	}

	p.relay.sink.SessionStarted(audit.SessionRecord{
		ID:        session.ID,
		User1:     p.participant,
		User2:     partnerID,
		ChatType:  chatType,
		Status:    "active",
		StartedAt: session.StartedAt,
	})

	if partner, ok := p.relay.peers.Load(partnerID); ok {
		partner.enterSession(&Session{
			ID:        session.ID,
			PartnerID: p.participant,
			ChatType:  chatType,
			StartedAt: session.StartedAt,
		})
	}
	p.enterSession(session)

	notice.PartnerID = partnerID
	p.send(notice)
}

// handleSignal forwards WebRTC negotiation payloads verbatim, tagged with
// the sender. A delivery failure is swallowed.
func (p *Peer) handleSignal(kind string, msg *signalMessage) {
	if msg.PartnerID == "" {
		return
	}
	payload, err := json.Marshal(signalNotice{Type: kind, Data: msg.Data, From: p.participant})
	if err != nil {
		p.logger.Error("Failed to marshal signal notice", slog.Any("error", err))
		return
	}
	p.relay.registry.Deliver(msg.PartnerID, payload)
}

func (p *Peer) handleChat(ctx context.Context, msg *chatMessage) {
	// Moderation runs outside any lock and never blocks on failure.
	verdict := moderation.ReviewOrAllow(ctx, p.relay.moderator, msg.Content, p.logger)

	if verdict.Action == moderation.ActionBlock {
		p.send(blockedNotice{Type: kindMessageBlocked, Reason: "Content violates guidelines"})
		return
	}

	p.relay.sink.MessageSaved(audit.MessageRecord{
		ID:         uuid.NewString(),
		SessionID:  msg.SessionID,
		Sender:     p.participant,
		Content:    msg.Content,
		IsFlagged:  !verdict.IsSafe,
		Confidence: verdict.Confidence,
		CreatedAt:  time.Now().UTC(),
	})

	if msg.PartnerID == "" {
		return
	}
	payload, err := json.Marshal(chatNotice{
		Type:     kindChatMessage,
		Content:  msg.Content,
		From:     p.participant,
		IsWarned: verdict.Action == moderation.ActionWarn,
	})
	if err != nil {
		p.logger.Error("Failed to marshal chat notice", slog.Any("error", err))
		return
	}
	p.relay.registry.Deliver(msg.PartnerID, payload)
}

// handleEnd covers skip and disconnect: end the session, tell the partner,
// and for skip return the caller to idle, ready to queue again.
func (p *Peer) handleEnd(kind string, msg *endMessage) {
	sessionID, partnerID := msg.SessionID, msg.PartnerID

	p.mu.Lock()
	if p.session != nil {
		if sessionID == "" {
			sessionID = p.session.ID
		}
		if partnerID == "" {
			partnerID = p.session.PartnerID
		}
	}
	p.session = nil
	p.state = StateIdle
	p.mu.Unlock()

	p.endSession(sessionID, partnerID)

	if kind == kindSkip {
		p.send(eventNotice{Type: kindReadyToMatch})
		return
	}
	// Explicit disconnect proceeds to transport teardown.
	p.conn.Close(nil)
}

// endSession persists the terminal state and notifies the partner. Safe to
// call with empty ids.
func (p *Peer) endSession(sessionID, partnerID string) {
	if sessionID != "" {
		p.relay.sink.SessionEnded(sessionID, time.Now().UTC())
	}
	if partnerID == "" {
		return
	}
	if partner, ok := p.relay.peers.Load(partnerID); ok {
		partner.leaveSession(sessionID)
	}
	payload, err := json.Marshal(eventNotice{Type: kindPartnerDisconnected})
	if err != nil {
		return
	}
	p.relay.registry.Deliver(partnerID, payload)
}

// teardown runs exactly once when the transport closes, whatever state the
// connection was in.
func (p *Peer) teardown(_ uuid.UUID, err error) {
	p.relay.registry.Unregister(p.handle)
	p.relay.queue.Dequeue(p.participant)

	p.mu.Lock()
	session := p.session
	p.session = nil
	wasMatched := p.state == StateMatched
	p.state = StateClosed
	p.mu.Unlock()

	// Remove from the peer table unless a newer connection superseded us.
	p.relay.peers.Compute(p.participant, func(current *Peer, loaded bool) (*Peer, xsync.ComputeOp) {
		if !loaded || current != p {
			return current, xsync.CancelOp
		}
		return nil, xsync.DeleteOp
	})

	if wasMatched && session != nil {
		p.endSession(session.ID, session.PartnerID)
	}
	p.logger.Info("Peer torn down", slog.Any("reason", err))
}

// --- peer state helpers ---

func (p *Peer) setState(s ConnState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Peer) enterSession(s *Session) {
	p.mu.Lock()
	p.session = s
	p.state = StateMatched
	p.mu.Unlock()
}

// leaveSession returns the peer to idle if it is still part of the given
// session; a stale end for an older session changes nothing.
func (p *Peer) leaveSession(sessionID string) {
	p.mu.Lock()
	if p.session != nil && (sessionID == "" || p.session.ID == sessionID) {
		p.session = nil
		if p.state == StateMatched {
			p.state = StateIdle
		}
	}
	p.mu.Unlock()
}

// State reports the connection's lifecycle state.
func (p *Peer) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) send(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("Failed to marshal notice", slog.Any("error", err))
		return
	}
	if err := p.conn.Send(payload); err != nil {
		p.logger.Debug("Direct send failed", slog.Any("error", err))
	}
}
