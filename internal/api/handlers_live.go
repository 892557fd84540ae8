package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	apperrors "github.com/remit-analytics/internal/errors"
	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/poller"
	"github.com/remit-analytics/internal/types"
)

const (
	liveWriteWait    = 10 * time.Second
	livePongWait     = 60 * time.Second
	livePingInterval = 30 * time.Second
	liveSendBuffer   = 32
	liveMaxCommand   = 512
)

// Live message types
const (
	MessageUpdate = "update"
	MessageStatus = "status"
	MessageError  = "error"
)

// Live commands accepted from the client as text frames
const (
	CommandPause   = "pause"
	CommandResume  = "resume"
	CommandRefresh = "refresh"
	CommandViewed  = "viewed"
	CommandStatus  = "status"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// LiveMessage is one frame sent to a live client
type LiveMessage struct {
	Type    string                `json:"type"`
	Command string                `json:"command,omitempty"`
	Update  *poller.Update        `json:"update,omitempty"`
	Status  *poller.Status        `json:"status,omitempty"`
	Stats   *types.AggregateStats `json:"stats,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// handleLive handles GET /api/wallets/{address}/live. The subscription is
// opened before the upgrade so bad input gets a plain HTTP error.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		respondServiceError(w, r, apperrors.NewFeatureDisabledError("live polling"))
		return
	}

	address := mux.Vars(r)["address"]
	q := r.URL.Query()
	filters, err := parseFilters(q)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	interval, err := parseDurationParam(q.Get("interval"))
	if err != nil {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("interval", "must be a duration such as 15s"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan LiveMessage, liveSendBuffer)
	logger := logging.FromContext(r.Context()).WithField("address", address)

	sub, err := s.poller.Subscribe(ctx, poller.SubscribeInput{
		Address:      address,
		Filters:      filters,
		PollInterval: interval,
		OnUpdate: func(u poller.Update) {
			msg := LiveMessage{Type: MessageUpdate, Update: &u}
			if u.Err != nil {
				msg.Error = u.Err.Error()
			}
			select {
			case out <- msg:
			default:
				logger.WithField("kind", u.Kind).Warn("Live client is slow, dropping update")
			}
		},
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	defer sub.Cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger = logger.WithField("subscription", sub.ID())
	logger.Info("Live client connected")

	go s.readLiveCommands(ctx, cancel, conn, sub, out, logger)
	s.writeLive(ctx, conn, sub, out, logger)

	logger.Info("Live client disconnected")
}

// writeLive is the only writer on conn
func (s *Server) writeLive(ctx context.Context, conn *websocket.Conn, sub *poller.Subscription, out <-chan LiveMessage, logger *logging.Logger) {
	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(liveWriteWait))
			return
		case <-sub.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription ended"),
				time.Now().Add(liveWriteWait))
			return
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				logger.WithError(err).Debug("Live write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return
			}
		}
	}
}

// readLiveCommands applies client commands until the connection closes
func (s *Server) readLiveCommands(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *poller.Subscription, out chan<- LiveMessage, logger *logging.Logger) {
	defer cancel()

	conn.SetReadLimit(liveMaxCommand)
	_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Debug("Live read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(livePongWait))

		reply := applyLiveCommand(ctx, sub, strings.ToLower(strings.TrimSpace(string(data))))
		select {
		case out <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func applyLiveCommand(ctx context.Context, sub *poller.Subscription, cmd string) LiveMessage {
	reply := LiveMessage{Type: MessageStatus, Command: cmd}

	var err error
	switch cmd {
	case CommandPause:
		err = sub.Pause()
	case CommandResume:
		err = sub.Resume()
	case CommandViewed:
		err = sub.MarkViewed()
	case CommandRefresh:
		reply.Stats, err = sub.Refresh(ctx)
	case CommandStatus:
	default:
		return LiveMessage{Type: MessageError, Command: cmd, Error: "unknown command"}
	}
	if err != nil {
		return LiveMessage{Type: MessageError, Command: cmd, Error: err.Error()}
	}

	status := sub.Status()
	reply.Status = &status
	return reply
}

// handleListSubscriptions handles GET /api/live/subscriptions
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": []poller.Status{}, "count": 0})
		return
	}

	subs := s.poller.Subscriptions()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

func parseDurationParam(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, apperrors.NewInvalidParameterError("duration", "invalid")
	}
	return d, nil
}
