// Package registry maps participant identities to their live outbound
// channels. At most one handle exists per participant at any instant.
package registry

import (
	"log/slog"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/yaratul2005/OmegleXTalkNow/pkg/transport"
)

// Handle is the live outbound channel for one connected participant.
type Handle struct {
	Participant string
	Conn        *transport.Connection
}

type Registry struct {
	handles *xsync.Map[string, *Handle]
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		handles: xsync.NewMap[string, *Handle](),
		logger:  logger.With(slog.String("component", "connection_registry")),
	}
}

// Register stores a handle for the participant, superseding any prior one.
// The prior channel is left to close on its own; it is not terminated here.
func (r *Registry) Register(participant string, conn *transport.Connection) *Handle {
	h := &Handle{Participant: participant, Conn: conn}
	r.handles.Store(participant, h)
	r.logger.Debug("Connection registered",
		slog.String("participant", participant),
		slog.String("connID", conn.ID().String()),
	)
	return h
}

// Unregister removes the participant's handle only if it is still the one
// passed in. A stale teardown from a superseded connection is a no-op.
func (r *Registry) Unregister(h *Handle) {
	r.handles.Compute(h.Participant, func(current *Handle, loaded bool) (*Handle, xsync.ComputeOp) {
		if !loaded || current != h {
			return current, xsync.CancelOp
		}
		return nil, xsync.DeleteOp
	})
}

// Deliver sends the payload to the participant's live channel. False means
// "partner unreachable": no handle, or the send failed or timed out. It is
// never a retryable error.
func (r *Registry) Deliver(participant string, payload []byte) bool {
	h, ok := r.handles.Load(participant)
	if !ok {
		return false
	}
	if err := h.Conn.Send(payload); err != nil {
		r.logger.Debug("Delivery failed",
			slog.String("participant", participant),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// Connected reports whether the participant currently has a live handle.
func (r *Registry) Connected(participant string) bool {
	_, ok := r.handles.Load(participant)
	return ok
}

// Len reports the number of currently connected participants.
func (r *Registry) Len() int {
	return r.handles.Size()
}

// Range calls fn for every live handle until fn returns false.
func (r *Registry) Range(fn func(h *Handle) bool) {
	r.handles.Range(func(_ string, h *Handle) bool {
		return fn(h)
	})
}
