// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/quartermaster/services/agent/datatypes"
)

// serverURL and resumeSession hold flag values for the chat command.
var (
	serverURL     string
	resumeSession string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat against a running quartermaster server",
	Run:   runChatCommand,
}

func init() {
	chatCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8990", "server base URL")
	chatCmd.Flags().StringVar(&resumeSession, "resume", "", "resume an existing session id")
}

func runChatCommand(_ *cobra.Command, _ []string) {
	client := &http.Client{Timeout: 120 * time.Second}
	sessionID := resumeSession

	if sessionID != "" {
		fmt.Printf("Resuming session %s\n", sessionID)
	}
	fmt.Println("Type a message, or 'exit' to quit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		resp, err := sendTurn(client, sessionID, line)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		sessionID = resp.SessionID

		fmt.Println(resp.Reply)
		if resp.WorkingDir != "" {
			fmt.Printf("[cwd: %s]\n", resp.WorkingDir)
		}
	}

	if sessionID != "" {
		fmt.Printf("\nSession: %s (use --resume to continue)\n", sessionID)
	}
}

// sendTurn posts one turn and decodes the response.
func sendTurn(client *http.Client, sessionID, message string) (*datatypes.TurnResponse, error) {
	body, err := json.Marshal(datatypes.TurnRequest{
		SessionID: sessionID,
		Message:   message,
	})
	if err != nil {
		return nil, err
	}

	httpResp, err := client.Post(serverURL+"/v1/agent/turn", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("server unreachable: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("%s", errResp.Error)
		}
		return nil, fmt.Errorf("server returned %d", httpResp.StatusCode)
	}

	var resp datatypes.TurnResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	return &resp, nil
}
