package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/careops/wardgate/agent"
	"github.com/careops/wardgate/confirm"
	"github.com/careops/wardgate/core"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Channel   string `json:"channel"`
	TenantID  string `json:"tenant_id"`
}

func (r *chatRequest) normalize() {
	if r.Channel == "" {
		r.Channel = "webchat"
	}
	if r.TenantID == "" {
		r.TenantID = "default"
	}
}

type chatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

type confirmResponse struct {
	Result map[string]any `json:"result"`
}

func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	req.normalize()
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	result, err := s.agent.Chat(c.Request().Context(), agent.Request{
		TenantID:  req.TenantID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Channel:   req.Channel,
		Message:   req.Message,
	})
	if err != nil {
		s.logger.Error("chat failed", "tenant_id", req.TenantID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to process message")
	}

	return c.JSON(http.StatusOK, chatResponse{
		Response:  s.formatter.Format(result.Text, req.Channel),
		SessionID: result.SessionID,
	})
}

// handleChatStream delivers the turn as server-sent events, one JSON
// object per event. A dropped connection stops delivery; side effects
// already dispatched still complete and reach the audit ledger.
func (s *Server) handleChatStream(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	req.normalize()
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	events, err := s.agent.ChatStream(c.Request().Context(), agent.Request{
		TenantID:  req.TenantID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Channel:   req.Channel,
		Message:   req.Message,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	for ev := range events {
		if ev.Type == core.EventText {
			ev.Content = s.formatter.Format(ev.Content, req.Channel)
		}
		data, merr := json.Marshal(ev)
		if merr != nil {
			continue
		}
		if _, werr := fmt.Fprintf(resp, "data: %s\n\n", data); werr != nil {
			// Client went away. Keep draining so the agent goroutine
			// is never blocked on a dead channel.
			for range events {
			}
			break
		}
		resp.Flush()
	}
	return nil
}

type confirmRequest struct {
	TenantID string `json:"tenant_id"`
}

func (s *Server) handleConfirm(c echo.Context) error {
	confirmationID := c.Param("confirmation_id")

	var req confirmRequest
	// Body is optional; a bare POST confirms for the default tenant.
	_ = c.Bind(&req)
	if req.TenantID == "" {
		req.TenantID = c.Request().Header.Get("X-Tenant-ID")
	}
	if req.TenantID == "" {
		req.TenantID = "default"
	}

	result, err := s.agent.Confirm(c.Request().Context(), req.TenantID, confirmationID)
	if err != nil {
		switch {
		case errors.Is(err, confirm.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "confirmation not found")
		case errors.Is(err, confirm.ErrExpired):
			return echo.NewHTTPError(http.StatusGone, "confirmation expired")
		case errors.Is(err, confirm.ErrAlreadyResolved):
			return echo.NewHTTPError(http.StatusConflict, "confirmation already resolved")
		default:
			s.logger.Error("confirm failed", "confirmation_id", confirmationID, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to execute confirmed action")
		}
	}
	return c.JSON(http.StatusOK, confirmResponse{Result: result})
}
