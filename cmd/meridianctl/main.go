// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command meridianctl is a one-shot client for the meridian server.
//
// Usage:
//
//	meridianctl resolve --context snapshot.json "Summary: {statistic: total complaints last month}."
//	meridianctl resolve --context snapshot.json --server http://reports.internal:8095 "..."
//	meridianctl ready
//
// The context file holds a JSON context snapshot: reporting window,
// schema, data source reference, and optional period token or region.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/meridian/services/resolver"
	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

var (
	serverURL   string
	contextPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meridianctl",
		Short: "Client for the meridian placeholder resolution server",
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server base URL (default $MERIDIAN_URL or http://localhost:8095)")

	resolveCmd := &cobra.Command{
		Use:   "resolve [template]",
		Short: "Resolve every placeholder in a report template",
		Args:  cobra.MinimumNArgs(1),
		Run:   runResolveCommand,
	}
	resolveCmd.Flags().StringVar(&contextPath, "context", "", "Path to a JSON context snapshot (required)")
	resolveCmd.MarkFlagRequired("context")

	readyCmd := &cobra.Command{
		Use:   "ready",
		Short: "Check whether the server has finished warming up",
		Run:   runReadyCommand,
	}

	rootCmd.AddCommand(resolveCmd, readyCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runResolveCommand(_ *cobra.Command, args []string) {
	templateText := strings.Join(args, " ")

	raw, err := os.ReadFile(contextPath)
	if err != nil {
		log.Fatalf("Failed to read context snapshot: %v", err)
	}
	var snap datatypes.ContextSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		log.Fatalf("Invalid context snapshot: %v", err)
	}

	body, err := json.Marshal(resolver.ResolveRequest{
		Template: templateText,
		Context:  snap,
	})
	if err != nil {
		log.Fatalf("Failed to encode request: %v", err)
	}

	client := &http.Client{Timeout: 10 * time.Minute}
	httpResp, err := client.Post(getServerBaseURL()+"/v1/resolver/resolve", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		log.Fatalf("Failed to read response: %v", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		log.Fatalf("Server returned %d: %s", httpResp.StatusCode, respBody)
	}

	var resp resolver.ResolveResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		log.Fatalf("Failed to decode response: %v", err)
	}

	fmt.Printf("Request %s resolved %d placeholder(s)\n", resp.RequestID, len(resp.Results))
	fmt.Println("---")
	for i, r := range resp.Results {
		fmt.Printf("%d. %s\n", i+1, r.Placeholder.Text)
		if r.Error != nil {
			fmt.Printf("   FAILED [%s] %s\n", r.Error.Kind, r.Error.Message)
			for _, d := range r.Error.Diagnostics {
				fmt.Printf("   - %s\n", d)
			}
			continue
		}
		if r.Result.Empty {
			fmt.Printf("   (empty result, confidence %.2f)\n", r.Result.Confidence)
			continue
		}
		if r.Result.Value != nil {
			fmt.Printf("   value: %v (confidence %.2f, strategy %s)\n",
				r.Result.Value, r.Result.Confidence, r.Result.Metadata.Strategy)
		} else {
			fmt.Printf("   rows: %d (confidence %.2f, strategy %s)\n",
				len(r.Result.Rows), r.Result.Confidence, r.Result.Metadata.Strategy)
		}
	}
}

func runReadyCommand(_ *cobra.Command, _ []string) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(getServerBaseURL() + "/v1/resolver/ready")
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("ready")
		return
	}
	fmt.Println("not ready")
	os.Exit(1)
}

// getServerBaseURL resolves the server URL from the flag, then the
// environment, then the default local address.
func getServerBaseURL() string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	if env := os.Getenv("MERIDIAN_URL"); env != "" {
		return strings.TrimRight(env, "/")
	}
	return "http://localhost:8095"
}
