package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mediaflow/internal/media"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	replyBuffer    = 16
)

// Message types sent to websocket clients.
const (
	TypeConnected = "connected"
	TypeProgress  = "asset:progress"
	TypeComplete  = "asset:complete"
	TypeFailed    = "asset:failed"
	TypeStatus    = "asset:status"
	TypeList      = "assets:list"
	TypePong      = "pong"
	TypeError     = "error"
)

// Source answers client queries on the notification socket.
type Source interface {
	Snapshot(ctx context.Context, v media.Viewer, id media.AssetID) (media.Event, error)
	List(ctx context.Context, v media.Viewer, f media.Filter) ([]media.Asset, error)
}

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type clientRequest struct {
	Type    string        `json:"type"`
	AssetID media.AssetID `json:"assetId,omitempty"`
	State   string        `json:"state,omitempty"`
}

type connectedData struct {
	UserID  media.OwnerID `json:"userId"`
	AssetID media.AssetID `json:"assetId,omitempty"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler serves GET /ws. The optional asset query parameter narrows the
// subscription to one asset the viewer may access.
type WSHandler struct {
	hub *Hub
	src Source
	log *slog.Logger
}

// NewWSHandler returns a websocket endpoint backed by hub and src.
func NewWSHandler(hub *Hub, src Source, log *slog.Logger) *WSHandler {
	return &WSHandler{hub: hub, src: src, log: log}
}

type wsClient struct {
	conn    *websocket.Conn
	sub     *Subscription
	replies chan wsMessage
	done    chan struct{}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v, ok := media.ViewerFrom(r.Context())
	if !ok {
		media.WriteError(w, media.ErrAccessDenied)
		return
	}

	asset := media.AssetID(r.URL.Query().Get("asset"))
	// Subscribe before the snapshot so nothing published in between is lost.
	sub := h.hub.Subscribe(v.ID, asset)
	var initial *media.Event
	if asset != "" {
		ev, err := h.src.Snapshot(r.Context(), v, asset)
		if err != nil {
			h.hub.Unsubscribe(sub)
			media.WriteError(w, err)
			return
		}
		initial = &ev
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.Unsubscribe(sub)
		h.log.Warn("ws upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &wsClient{
		conn:    conn,
		sub:     sub,
		replies: make(chan wsMessage, replyBuffer),
		done:    make(chan struct{}),
	}
	// The pump is not running yet, so these go out ahead of any hub event.
	greeting := []wsMessage{{Type: TypeConnected, Data: connectedData{UserID: v.ID, AssetID: asset}}}
	if initial != nil {
		greeting = append(greeting, eventMessage(*initial))
	}
	for _, msg := range greeting {
		if err := c.write(msg); err != nil {
			h.hub.Unsubscribe(sub)
			conn.Close()
			return
		}
	}

	written := make(chan struct{})
	go func() {
		defer close(written)
		c.writePump()
	}()

	h.readPump(r.Context(), v, c)

	close(c.done)
	h.hub.Unsubscribe(c.sub)
	<-written
}

func eventMessage(ev media.Event) wsMessage {
	t := TypeStatus
	switch ev.Kind {
	case media.EventProgress:
		t = TypeProgress
	case media.EventComplete:
		t = TypeComplete
	case media.EventFailed:
		t = TypeFailed
	}
	return wsMessage{Type: t, Data: ev}
}

func (c *wsClient) write(msg wsMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// writePump owns every write on the connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.sub.C:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription closed"))
				return
			}
			if err := c.write(eventMessage(ev)); err != nil {
				return
			}
		case msg := <-c.replies:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *WSHandler) readPump(ctx context.Context, v media.Viewer, c *wsClient) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(wsMessage{Type: TypeError, Data: errorData{Code: "invalid_request", Message: "malformed message"}})
			continue
		}
		c.reply(h.answer(ctx, v, c.sub, req))
	}
}

func (h *WSHandler) answer(ctx context.Context, v media.Viewer, sub *Subscription, req clientRequest) wsMessage {
	switch req.Type {
	case "ping":
		return wsMessage{Type: TypePong}
	case "status":
		id := req.AssetID
		if id == "" {
			id = sub.AssetID
		}
		if id == "" {
			return wsMessage{Type: TypeError, Data: errorData{Code: "invalid_request", Message: "assetId is required"}}
		}
		ev, err := h.src.Snapshot(ctx, v, id)
		if err != nil {
			return errorMessage(err)
		}
		return eventMessage(ev)
	case "list":
		assets, err := h.src.List(ctx, v, media.Filter{State: media.JobState(req.State)})
		if err != nil {
			return errorMessage(err)
		}
		return wsMessage{Type: TypeList, Data: assets}
	default:
		return wsMessage{Type: TypeError, Data: errorData{Code: "invalid_request", Message: "unknown message type"}}
	}
}

func errorMessage(err error) wsMessage {
	_, code := media.ErrorStatus(err)
	return wsMessage{Type: TypeError, Data: errorData{Code: code, Message: err.Error()}}
}

// reply queues msg for the writer, dropping it if the client stops reading.
func (c *wsClient) reply(msg wsMessage) {
	select {
	case c.replies <- msg:
	default:
	}
}
