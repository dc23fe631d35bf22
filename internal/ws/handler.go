package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"chatcore/internal/auth"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/realtime"
	"chatcore/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Inbound frame types.
const (
	TypeJoin     = "join_conversation"
	TypeLeave    = "leave_conversation"
	TypeSend     = "send_message"
	TypeTyping   = "typing"
	TypeMarkRead = "mark_read"
)

const (
	opTimeout    = 10 * time.Second
	sweepTimeout = 2 * time.Minute
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type InboundMessage struct {
	Type           string           `json:"type"`
	ClientID       string           `json:"client_id,omitempty"`
	ConversationID string           `json:"conversation_id"`
	Content        string           `json:"content"`
	ContentType    string           `json:"content_type,omitempty"`
	File           *models.FileMeta `json:"file,omitempty"`
	ReplyToID      string           `json:"reply_to_id,omitempty"`
	IsTyping       bool             `json:"is_typing"`
}

// Handler accepts websocket sessions and routes their frames into the core.
type Handler struct {
	core       *service.Core
	reg        *realtime.Registry
	users      auth.Users
	secret     string
	sendBuffer int
	presence   userLocks
}

// userLocks serialises each user's connect and disconnect transitions so
// the presence written to the store follows the registry's order.
type userLocks [64]sync.Mutex

func (l *userLocks) of(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &l[h.Sum32()%uint32(len(l))]
}

func NewHandler(core *service.Core, reg *realtime.Registry, users auth.Users, secret string, sendBuffer int) *Handler {
	return &Handler{core: core, reg: reg, users: users, secret: secret, sendBuffer: sendBuffer}
}

// Serve authenticates before upgrading; nothing is registered for a caller
// without a verified identity.
func (h *Handler) Serve(c *gin.Context) {
	id, err := auth.Authenticate(c.Request.Context(), h.users, auth.TokenFromRequest(c.Request), h.secret)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": service.CodeUnauthenticated})
			return
		}
		log.Error().Err(err).Msg("ws authenticate")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": service.CodeInternal})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	client := newClient(conn, id.UserID, h.sendBuffer)
	go client.writePump()

	h.attach(client)
	defer h.detach(client)
	client.readPump(func(data []byte) { h.dispatch(client, data) })
}

// attach registers the client, announces presence for a first connection and
// replays whatever is still queued for the user.
func (h *Handler) attach(c *Client) {
	h.connected(c)
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := h.core.Router.Sweep(ctx, c.userID, c); err != nil {
		log.Error().Err(err).Str("user_id", c.userID).Msg("sweep")
	}
}

func (h *Handler) connected(c *Client) {
	mu := h.presence.of(c.userID)
	mu.Lock()
	defer mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	first := h.reg.Register(c.userID, c)
	metrics.WsConnections.Inc()
	log.Debug().Str("user_id", c.userID).Str("conn_id", c.id).Bool("first", first).Msg("ws connected")
	if first {
		if err := h.core.Presence.Online(ctx, c.userID); err != nil {
			log.Warn().Err(err).Str("user_id", c.userID).Msg("presence online")
		}
	}
}

func (h *Handler) detach(c *Client) {
	mu := h.presence.of(c.userID)
	mu.Lock()
	defer mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	last := h.reg.Unregister(c.userID, c)
	c.close()
	metrics.WsConnections.Dec()
	log.Debug().Str("user_id", c.userID).Str("conn_id", c.id).Bool("last", last).Msg("ws disconnected")
	if last && !h.reg.Online(c.userID) {
		if err := h.core.Presence.Offline(ctx, c.userID); err != nil {
			log.Warn().Err(err).Str("user_id", c.userID).Msg("presence offline")
		}
	}
}

func (h *Handler) dispatch(c *Client, data []byte) {
	var in InboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		_ = c.Send(service.ErrorFrame(fmt.Errorf("%w: malformed frame", service.ErrValidation), ""))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := h.handle(ctx, c, in); err != nil {
		_ = c.Send(service.ErrorFrame(err, in.ClientID))
	}
}

func (h *Handler) handle(ctx context.Context, c *Client, in InboundMessage) error {
	switch in.Type {
	case TypeJoin:
		if err := h.core.Conversations.Join(ctx, c.userID, in.ConversationID, c); err != nil {
			return err
		}
		b, _ := json.Marshal(service.JoinedEvent{Type: service.EventJoined, ConversationID: in.ConversationID})
		return c.Send(b)
	case TypeLeave:
		h.core.Conversations.Unjoin(in.ConversationID, c)
		return nil
	case TypeSend:
		_, err := h.core.Messages.Send(ctx, c.userID, service.SendInput{
			ConversationID: in.ConversationID,
			Content:        in.Content,
			ContentType:    in.ContentType,
			File:           in.File,
			ReplyToID:      in.ReplyToID,
			ClientID:       in.ClientID,
		})
		return err
	case TypeTyping:
		return h.core.Presence.Typing(ctx, c.userID, in.ConversationID, in.IsTyping)
	case TypeMarkRead:
		return h.core.Conversations.MarkRead(ctx, c.userID, in.ConversationID)
	default:
		return fmt.Errorf("%w: unknown frame type %q", service.ErrValidation, in.Type)
	}
}
