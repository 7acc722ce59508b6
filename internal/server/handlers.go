package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/orchestrator/internal/bus"
	"github.com/contentforge/orchestrator/internal/item"
)

type tokenRequest struct {
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

type createItemRequest struct {
	Topic string `json:"topic" validate:"required,min=3,max=500"`
	Seed  string `json:"seed" validate:"max=500"`
}

type retryRequest struct {
	Stage string `json:"stage" validate:"required"`
}

// itemResponse wraps a content item with a completion percentage for
// dashboards.
type itemResponse struct {
	*item.ContentItem
	Progress int `json:"progress"`
}

func newItemResponse(it *item.ContentItem) itemResponse {
	return itemResponse{ContentItem: it, Progress: it.Stage.Progress()}
}

// handleToken exchanges the operator password for a bearer token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "password is required")
		return
	}

	if !s.passwords.VerifyOperator(req.Password) {
		err := &ErrInvalidCredentials{}
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}

	token, err := s.jwtService.GenerateToken("operator")
	if err != nil {
		s.log.Error("generating token", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.jsonResponse(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresIn: int(s.jwtService.config.TokenTTL().Seconds()),
	})
}

// handleCreateItem enqueues a new content item at the start of the
// lifecycle.
func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "topic must be between 3 and 500 characters")
		return
	}

	created, err := s.machine.Enqueue(r.Context(), req.Topic, req.Seed)
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}

	s.jsonResponse(w, http.StatusCreated, newItemResponse(created))
}

// handleGetItem returns a single item with its stage progress.
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	it, err := s.machine.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}

	s.jsonResponse(w, http.StatusOK, newItemResponse(it))
}

// handleApprove releases an item from the operator approval gate.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	approved, err := s.machine.Approve(r.Context(), id)
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}

	s.jsonResponse(w, http.StatusOK, newItemResponse(approved))
}

// handleCancel cancels an item. An idle item is moved to the cancelled
// stage immediately; an item with work in flight is interrupted and
// cancelled by the worker that holds it.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	cancelled, err := s.machine.Cancel(r.Context(), id)
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}
	if cancelled == nil {
		s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
		return
	}

	s.jsonResponse(w, http.StatusOK, newItemResponse(cancelled))
}

// handleRetry rewinds a failed item to an earlier stage.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "stage is required")
		return
	}

	retried, err := s.machine.RetryFromStage(r.Context(), id, item.Stage(req.Stage))
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}

	s.jsonResponse(w, http.StatusOK, newItemResponse(retried))
}

// handleDependencies returns the health snapshot for every registered
// dependency.
func (s *Server) handleDependencies(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.monitor.Snapshot())
}

// handleEvents streams pipeline events to the client as Server-Sent
// Events until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	stream, err := newEventStream(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	sub := s.bus.SubscribeBuffered(bus.TopicAll, 64)
	defer s.bus.Unsubscribe(sub)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := stream.WriteComment("keep-alive"); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := stream.WriteEvent(ev); err != nil {
				return
			}
		}
	}
}
