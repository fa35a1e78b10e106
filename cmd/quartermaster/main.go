// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command quartermaster runs the conversational agent.
//
// Quartermaster routes user turns through intent classification and
// deterministic tool routing, executes local filesystem and shell tools
// with fuzzy path resolution, decomposes multi-step requests into linear
// plans, and falls back to configured LLM backends through a circuit-broken
// gateway.
//
// Usage:
//
//	quartermaster serve
//	quartermaster serve --debug
//	quartermaster chat
//	quartermaster chat --server http://localhost:8990
//
// Configuration comes from QM_* environment variables, with a .env file
// loaded first when present. With no cloud API keys configured the agent
// runs against a local Ollama instance.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// debugFlag enables debug logging and verbose HTTP middleware.
var debugFlag bool

var rootCmd = &cobra.Command{
	Use:   "quartermaster",
	Short: "Conversational agent with local tool execution",
	Long: `Quartermaster answers conversational turns by classifying intent,
routing to local tools (filesystem, shell, datasets) with fuzzy path
resolution, running multi-step plans, and deferring to LLM backends only
when heuristics cannot resolve the turn.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		setupLogging()
	},
}

func setupLogging() {
	level := slog.LevelInfo
	if debugFlag {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func main() {
	// A .env in the working directory seeds the environment; absence is fine.
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "loaded environment from .env")
	}

	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
