// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/quartermaster/services/agent/datatypes"
	"github.com/AleutianAI/quartermaster/services/agent/fault"
	"github.com/AleutianAI/quartermaster/services/agent/gateway"
	"github.com/AleutianAI/quartermaster/services/agent/governor"
)

// ErrorResponse is the JSON error body for all agent endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handlers holds the HTTP handlers for the agent API.
type Handlers struct {
	pipeline *Pipeline
	gov      *governor.Governor
	gw       *gateway.Gateway
	logger   *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(pipeline *Pipeline, gov *governor.Governor, gw *gateway.Gateway, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{pipeline: pipeline, gov: gov, gw: gw, logger: logger}
}

// getOrCreateRequestID returns the caller's X-Request-ID or mints one.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleTurn handles POST /v1/agent/turn.
//
// Description:
//
//	Runs one conversational turn through the pipeline. The session id in
//	the request continues an existing conversation; an empty id starts a
//	new one and the assigned id comes back in the response.
//
// Response:
//
//	200 OK: datatypes.TurnResponse
//	400 Bad Request: Empty message or malformed JSON
//	429 Too Many Requests: Concurrency ceiling reached
//	500 Internal Server Error: Session or storage failure
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleTurn(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With(slog.String("request_id", requestID))

	var req datatypes.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "request body must be valid JSON",
			Code:  "MALFORMED_REQUEST",
		})
		return
	}

	resp, err := h.pipeline.Turn(c.Request.Context(), req)
	if err != nil {
		status, code := statusForFault(err)
		if status >= http.StatusInternalServerError {
			logger.Error("turn failed",
				slog.String("session_id", req.SessionID),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Warn("turn rejected",
				slog.String("session_id", req.SessionID),
				slog.String("code", code),
			)
		}
		c.JSON(status, ErrorResponse{Error: fault.UserMessage(err), Code: code})
		return
	}

	c.Header("X-Request-ID", requestID)
	c.JSON(http.StatusOK, resp)
}

// HandleHealth handles GET /v1/agent/health. Always 200 while the process
// is serving.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReady handles GET /v1/agent/ready.
//
// Description:
//
//	Reports readiness to take new turns. Not ready when the governor is
//	near its global ceiling, so load balancers can drain before hard
//	rejections start.
func (h *Handlers) HandleReady(c *gin.Context) {
	if h.gov.Overloaded() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "overloaded",
			"inflight": h.gov.Inflight(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ready",
		"inflight": h.gov.Inflight(),
		"backends": h.gw.Backends(),
	})
}

// statusForFault maps a pipeline error to an HTTP status and error code.
func statusForFault(err error) (int, string) {
	switch fault.KindOf(err) {
	case fault.KindInvalidArgument:
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case fault.KindConcurrencyRejected:
		return http.StatusTooManyRequests, "CONCURRENCY_REJECTED"
	case fault.KindProviderAuth:
		return http.StatusBadGateway, "PROVIDER_AUTH"
	case fault.KindProviderUnavailable:
		return http.StatusBadGateway, "PROVIDER_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
