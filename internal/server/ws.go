package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/loykin/fleetwatch/internal/action"
	"github.com/loykin/fleetwatch/internal/auth"
	"github.com/loykin/fleetwatch/internal/message"
	"github.com/loykin/fleetwatch/internal/monitor"
	"github.com/loykin/fleetwatch/internal/view"
)

// TopicActionOutput receives the final output of every action.
const TopicActionOutput = message.TypeActionOutput

const wsReadLimit = 64 << 10

// wsConn adapts a websocket connection to eventbus.Conn.
type wsConn struct {
	id string
	c  *websocket.Conn
}

func (w *wsConn) ID() string { return w.id }

func (w *wsConn) Send(ctx context.Context, msg message.Outbound) error {
	return wsjson.Write(ctx, w.c, msg)
}

func (r *Router) handleWS(c *gin.Context) {
	canExecute := r.auth.Allowed(c, auth.ResourceActions, auth.ActionExecute)

	// subscriber connections are long lived; drop the server's deadlines
	rc := http.NewResponseController(c.Writer)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	ws, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(wsReadLimit)

	conn := &wsConn{id: uuid.NewString(), c: ws}
	r.bus.Connect(conn)
	defer r.bus.Disconnect(conn)

	ctx := r.ctx
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					r.logger.Debug("websocket read ended", "conn", conn.id, "error", err)
				}
			}
			return
		}
		msg, err := message.Decode(data)
		if err != nil {
			r.bus.SendPersonal(ctx, conn, message.ErrorFor(err))
			continue
		}
		r.dispatch(ctx, conn, msg, canExecute)
	}
}

func (r *Router) dispatch(ctx context.Context, conn *wsConn, msg message.Inbound, canExecute bool) {
	switch m := msg.(type) {
	case message.Ping:
		r.bus.SendPersonal(ctx, conn, message.Pong{})
	case message.Subscribe:
		r.bus.Subscribe(m.Topic, conn)
		r.bus.SendPersonal(ctx, conn, message.Subscribed{Topic: m.Topic})
	case message.Unsubscribe:
		r.bus.Unsubscribe(m.Topic, conn)
		r.bus.SendPersonal(ctx, conn, message.Unsubscribed{Topic: m.Topic})
	case message.ActionStart:
		r.startAction(ctx, conn, m, canExecute)
	}
}

func (r *Router) startAction(ctx context.Context, conn *wsConn, m message.ActionStart, canExecute bool) {
	if r.actions == nil {
		r.bus.SendPersonal(ctx, conn, message.Error{Message: "Actions are not configured"})
		return
	}
	if !canExecute {
		r.bus.SendPersonal(ctx, conn, message.Error{Message: "Permission denied"})
		return
	}
	if err := action.Validate(m.Container, m.Action); err != nil {
		r.bus.SendPersonal(ctx, conn, message.ErrorFor(err))
		return
	}
	r.bus.SendPersonal(ctx, conn, message.ActionOutput{
		Container: m.Container,
		Action:    m.Action,
		Status:    message.ActionStarted,
	})

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		r.runAction(conn, m)
	}()
}

func (r *Router) runAction(conn *wsConn, m message.ActionStart) {
	ctx := r.ctx
	start := time.Now()
	output, err := r.actions.Run(ctx, m.Container, m.Action)
	ms := float64(time.Since(start)) / float64(time.Millisecond)

	out := message.ActionOutput{
		Container:  m.Container,
		Action:     m.Action,
		Status:     message.ActionCompleted,
		Output:     output,
		DurationMS: &ms,
	}
	if err != nil {
		out.Status = message.ActionFailed
		out.Error = err.Error()
	}

	// the initiator gets the output once, either personally or via the topic
	if !r.subscribed(conn, TopicActionOutput) {
		r.bus.SendPersonal(ctx, conn, out)
	}
	r.bus.Publish(ctx, TopicActionOutput, out)

	if action.Mutates(m.Action) {
		if err := r.mon.Invalidate(view.SourceSites); err != nil && !errors.Is(err, monitor.ErrUnknownSource) {
			r.logger.Warn("invalidate after action failed", "error", err)
		}
	}
	if err := r.mon.ForceBroadcast(ctx); err != nil && !errors.Is(err, monitor.ErrNotRunning) {
		r.logger.Warn("broadcast after action failed", "container", m.Container, "action", m.Action, "error", err)
	}
}

func (r *Router) subscribed(conn *wsConn, topic string) bool {
	for _, t := range r.bus.Topics(conn) {
		if t == topic {
			return true
		}
	}
	return false
}
