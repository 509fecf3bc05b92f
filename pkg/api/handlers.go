package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/zen-systems/pixelgate/pkg/audit"
	"github.com/zen-systems/pixelgate/pkg/ledger"
	"github.com/zen-systems/pixelgate/pkg/persist"
	"github.com/zen-systems/pixelgate/pkg/pipeline"
)

// statusFor maps pipeline error kinds to HTTP status codes.
func statusFor(kind pipeline.ErrorKind) int {
	switch kind {
	case pipeline.ErrBlocked:
		return http.StatusUnprocessableEntity
	case pipeline.ErrInsufficientFunds:
		return http.StatusPaymentRequired
	case pipeline.ErrRateLimited:
		return http.StatusTooManyRequests
	case pipeline.ErrProviderRateLimited, pipeline.ErrProviderQuotaExceeded:
		return http.StatusServiceUnavailable
	case pipeline.ErrProviderError:
		return http.StatusBadGateway
	case pipeline.ErrInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		s.log.WithError(err).Error("unexpected pipeline error")
		writeError(w, http.StatusInternalServerError, string(pipeline.ErrInternal), "internal error")
		return
	}
	if pe.Kind == pipeline.ErrInternal {
		s.log.WithFields(logrus.Fields{"request_id": pe.RequestID}).WithError(pe).Error("generation failed internally")
	}
	writeJSON(w, statusFor(pe.Kind), map[string]interface{}{"error": pe})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	req.UserID = userFrom(r)

	res, err := s.deps.Coordinator.Generate(r.Context(), req)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	req.UserID = userFrom(r)

	cost, err := s.deps.Coordinator.Quote(req)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode": req.Mode,
		"cost": cost,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	balance, err := s.deps.Ledger.BalanceOf(r.Context(), user)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": user,
		"balance": balance,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := s.deps.Ledger.History(r.Context(), userFrom(r), queryLimit(r))
	if err != nil {
		s.internalError(w, err)
		return
	}
	if txns == nil {
		txns = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txns})
}

type creditRequest struct {
	UserID      string      `json:"user_id"`
	Amount      int64       `json:"amount"`
	Kind        ledger.Kind `json:"kind"`
	Description string      `json:"description"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = ledger.KindPurchased
	}
	if req.Description == "" {
		req.Description = "token top-up"
	}

	receipt, err := s.deps.Ledger.Credit(r.Context(), req.UserID, req.Amount, req.Description, req.Kind)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) || errors.Is(err, ledger.ErrInvalidKind) || errors.Is(err, ledger.ErrMissingUser) {
			writeError(w, http.StatusBadRequest, string(pipeline.ErrInvalidRequest), err.Error())
			return
		}
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.deps.Persister.List(r.Context(), userFrom(r), queryLimit(r))
	if err != nil {
		s.internalError(w, err)
		return
	}
	if images == nil {
		images = []persist.GeneratedImage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"images": images})
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.deps.Persister.Get(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	s.writeImage(w, http.StatusOK, img, err)
}

func (s *Server) handleUpdateImage(w http.ResponseWriter, r *http.Request) {
	var update persist.Update
	if !decodeJSON(w, r, &update) {
		return
	}
	img, err := s.deps.Persister.Apply(r.Context(), userFrom(r), chi.URLParam(r, "id"), update)
	s.writeImage(w, http.StatusOK, img, err)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	img, err := s.deps.Persister.RecordDownload(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	s.writeImage(w, http.StatusOK, img, err)
}

func (s *Server) writeImage(w http.ResponseWriter, status int, img *persist.GeneratedImage, err error) {
	switch {
	case errors.Is(err, persist.ErrNotFound):
		writeError(w, http.StatusNotFound, "not-found", "image not found")
	case errors.Is(err, persist.ErrCaptionTooLong):
		writeError(w, http.StatusBadRequest, string(pipeline.ErrInvalidRequest), err.Error())
	case err != nil:
		s.internalError(w, err)
	default:
		writeJSON(w, status, img)
	}
}

// handleAudit returns the caller's events for a request id. Request ids are
// chosen by clients, so events recorded for other users under the same id are
// never included.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	events, err := s.deps.Trail.ForRequest(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		s.internalError(w, err)
		return
	}
	own := make([]audit.Event, 0, len(events))
	for _, e := range events {
		if e.UserID == user {
			own = append(own, e)
		}
	}
	if len(own) == 0 {
		writeError(w, http.StatusNotFound, "not-found", "request not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": own})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.WithError(err).Error("request failed")
	writeError(w, http.StatusInternalServerError, string(pipeline.ErrInternal), "internal error")
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}
