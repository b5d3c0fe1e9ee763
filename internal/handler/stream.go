package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/task-relay/internal/middleware"
	"github.com/capitalize-ai/task-relay/internal/model"
	"github.com/capitalize-ai/task-relay/internal/orchestrator"
	"github.com/capitalize-ai/task-relay/internal/ratelimit"
	"github.com/capitalize-ai/task-relay/internal/relay"
	"github.com/capitalize-ai/task-relay/internal/sse"
	"github.com/capitalize-ai/task-relay/internal/store"
	"github.com/capitalize-ai/task-relay/pkg/logger"
	"github.com/capitalize-ai/task-relay/pkg/metrics"
)

const (
	// ConversationIDHeader carries the id of the conversation a turn landed in.
	ConversationIDHeader = "X-Conversation-ID"
	// RequestStartedHeader carries the server time the turn was accepted.
	RequestStartedHeader = "X-Request-Started-At"

	rateLimitMessage = "You've reached the message limit. Please wait a few minutes."
)

// StreamHandler relays chat turns to the orchestrator and streams the answer.
type StreamHandler struct {
	relay   *relay.Relay
	tracker *relay.Tracker
	logger  *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(r *relay.Relay, tracker *relay.Tracker, log *logger.Logger) *StreamHandler {
	if tracker == nil {
		tracker = relay.NewTracker()
	}
	return &StreamHandler{
		relay:   r,
		tracker: tracker,
		logger:  logger.OrNop(log).Component("stream_handler"),
	}
}

// Chat handles POST /api/v1/chat
func (h *StreamHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	sw, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ConversationID != "" {
		if err := middleware.ValidateConversationID(req.ConversationID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	w.Header().Set(RequestStartedHeader, strconv.FormatInt(time.Now().UnixMilli(), 10))

	session, err := h.relay.Begin(ctx, relay.Turn{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
	})
	if err != nil {
		h.rejectTurn(w, userID, err)
		return
	}

	conversationID := session.Conversation().ID
	w.Header().Set(ConversationIDHeader, conversationID)

	turnCtx, release := h.tracker.Track(ctx, conversationID)
	defer release()

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sw.WriteHeader()

	events := make(chan model.StreamEvent)
	result := make(chan error, 1)
	go func() {
		result <- session.Run(turnCtx, events)
	}()

	gone := false
	for event := range events {
		if gone {
			continue
		}
		if err := sw.Send(event); err != nil {
			h.logger.Info("client went away",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
			gone = true
			release()
		}
	}

	if err := <-result; err != nil && !orchestrator.IsCancelled(err) {
		h.logger.Warn("chat turn failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}

func (h *StreamHandler) rejectTurn(w http.ResponseWriter, userID string, err error) {
	var denied *ratelimit.DeniedError
	switch {
	case errors.As(err, &denied):
		retryAfter := int(math.Ceil(denied.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, &model.RateLimitResponse{
			Error:      "rate limit exceeded",
			Message:    rateLimitMessage,
			RetryAfter: retryAfter,
		})
	case errors.Is(err, relay.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("failed to start chat turn", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start chat turn")
	}
}
