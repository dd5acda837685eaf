package router

import (
	"context"
	"errors"

	"github.com/murmur-chat/murmur/hub/internal/chat"
	"github.com/murmur-chat/murmur/pkg/protocol"
)

// Error codes produced by the router itself.
const (
	codeMalformed   = "malformed"
	codeUnsupported = "unsupported"
	codeRateLimited = "rate_limited"
)

// dispatch decodes one frame, runs the matching operation and routes the
// result. Failures are reported to the originating connection only.
func (r *Router) dispatch(ctx context.Context, c *Conn, raw []byte) {
	req, err := protocol.Decode(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupported) {
			r.logger.Debug("unsupported client frame", "conn_id", c.id, "error", err)
			r.sendError(c, codeUnsupported, "unsupported")
			return
		}
		r.logger.Debug("malformed client frame", "conn_id", c.id, "error", err)
		r.sendError(c, codeMalformed, "malformed frame")
		return
	}

	caller := c.identity
	var d chat.Delivery
	switch req := req.(type) {
	case protocol.GetConversations:
		d, err = r.ops.ListConversations(ctx, caller)
	case protocol.GetConversation:
		d, err = r.ops.GetConversation(ctx, caller, req.ConversationID)
	case protocol.FindOrCreateConversation:
		d, err = r.ops.FindOrCreateConversation(ctx, caller, req.OtherIdentityID)
	case protocol.CreateMessage:
		d, err = r.ops.CreateMessage(ctx, caller, req.ConversationID, req.Content)
	case protocol.DeleteMessage:
		d, err = r.ops.SoftDeleteMessage(ctx, caller, req.MessageID)
	case protocol.ListOnline:
		d, err = r.ops.ListOnline(ctx)
	case protocol.ListOffline:
		d, err = r.ops.ListOffline(ctx)
	default:
		r.sendError(c, codeUnsupported, "unsupported")
		return
	}
	if err != nil {
		r.fail(c, req.Type(), err)
		return
	}
	r.deliver(c, d)
}

func (r *Router) fail(c *Conn, typ string, err error) {
	e := chat.AsError(err)
	attrs := []any{"user_id", c.identity.ID, "conn_id", c.id, "type", typ, "code", e.Code, "error", err}
	switch e.Code {
	case chat.CodeInvalidState:
		r.logger.Error("operation failed", attrs...)
	case chat.CodeStorage:
		r.logger.Warn("operation failed", attrs...)
	default:
		r.logger.Debug("operation failed", attrs...)
	}
	r.sendError(c, e.Code, e.Message)
}

// deliver sends d to its audience: the listed members, or the caller alone.
func (r *Router) deliver(c *Conn, d chat.Delivery) {
	data, err := protocol.Encode(d.Event)
	if err != nil {
		r.logger.Error("encode event", "type", d.Event.Type, "error", err)
		r.sendError(c, chat.CodeStorage, "internal error")
		return
	}
	if len(d.Members) == 0 {
		_ = c.Send(data)
		return
	}
	r.registry.SendToMany(d.Members, data)
}

func (r *Router) sendError(c *Conn, code, message string) {
	data, err := protocol.Encode(protocol.NewError(code, message))
	if err != nil {
		return
	}
	_ = c.Send(data)
}
