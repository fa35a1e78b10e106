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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the agent endpoints with the router group.
//
// Description:
//
//	Registers all /v1/agent/* endpoints. The group should already carry
//	any required middleware.
//
// Endpoints:
//
//	POST /v1/agent/turn - Run one conversational turn
//	GET  /v1/agent/health - Liveness check
//	GET  /v1/agent/ready - Readiness / load check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	agent := rg.Group("/agent")
	{
		agent.POST("/turn", handlers.HandleTurn)

		agent.GET("/health", handlers.HandleHealth)
		agent.GET("/ready", handlers.HandleReady)
	}
}
