package conversations

import (
	"FunnelBot/bot/funnel"
	"FunnelBot/internal/lib/api/cont"
	"FunnelBot/internal/lib/api/response"
	"FunnelBot/internal/lib/sl"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

type ReplyRequest struct {
	Text string `json:"text"`
}

// Reply sends an operator message into a conversation.
func Reply(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.conversations")

		id := chi.URLParam(r, "id")
		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("conversation_id", id),
		)

		if handler == nil {
			logger.Error("conversation service not available")
			render.JSON(w, r, response.Error("Conversation service not available"))
			return
		}

		var req ReplyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("failed to decode request body", sl.Err(err))
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("Invalid request body"))
			return
		}
		if req.Text == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("text is required"))
			return
		}

		operator := ""
		if op := cont.GetOperator(r.Context()); op != nil {
			operator = op.Username
		}

		err := handler.ReplyToConversation(r.Context(), id, operator, req.Text)
		if errors.Is(err, funnel.ErrConversationNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, response.Error("Conversation not found"))
			return
		}
		if err != nil {
			logger.Error("operator reply", slog.String("operator", operator), sl.Err(err))
			render.JSON(w, r, response.Error(fmt.Sprintf("Reply failed: %v", err)))
			return
		}

		render.JSON(w, r, response.Ok("sent"))
	}
}
