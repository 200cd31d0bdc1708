// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/rating-tracker/authcore/internal/config"
)

// EndpointResult is the outcome of one health endpoint.
type EndpointResult struct {
	Endpoint string `json:"endpoint"`
	URL      string `json:"url"`
	Status   int    `json:"status,omitempty"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

var endpoints = []struct{ name, path string }{
	{"liveness", "/healthz/liveness"},
	{"readiness", "/healthz/readiness"},
}

type statusConfig struct {
	jsonOutput bool
	timeout    time.Duration
	client     *http.Client
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the health endpoints of a running server",
		Long: `Query the liveness and readiness endpoints on metrics.addr. Exits
non-zero when the server is not ready.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.Load(config.LoadOptions{Path: configFile, Flags: cmd.Flags(), SkipValidation: true})
			if err != nil {
				return err
			}
			return runStatus(cmd, cfg, c.Metrics.Addr)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 2*time.Second, "timeout per endpoint")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig, addr string) error {
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	base := endpointBase(addr)
	results := make([]EndpointResult, 0, len(endpoints))
	for _, p := range endpoints {
		results = append(results, checkEndpoint(ctx, client, p.name, base+p.path))
	}

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return oops.Code("STATUS_FORMAT_FAILED").Wrap(err)
		}
		cmd.Println(string(data))
	} else {
		cmd.Print(formatStatusTable(results))
	}

	for _, r := range results {
		if !r.OK {
			return oops.Code("NOT_READY").With("endpoint", r.Endpoint).Errorf("server is not healthy: %s failed", r.Endpoint)
		}
	}
	return nil
}

// endpointBase turns a listen address into a URL prefix. Wildcard hosts are
// checked on loopback.
func endpointBase(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + strings.TrimSuffix(addr, "/")
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func checkEndpoint(ctx context.Context, client *http.Client, name, url string) EndpointResult {
	result := EndpointResult{Endpoint: name, URL: url}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	resp, err := client.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("failed to connect: %v", err)
		return result
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	result.Status = resp.StatusCode
	result.OK = resp.StatusCode == http.StatusOK
	if !result.OK {
		result.Error = http.StatusText(resp.StatusCode)
	}
	return result
}

func formatStatusTable(results []EndpointResult) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "ENDPOINT\tSTATUS\tDETAIL")
	_, _ = fmt.Fprintln(w, "-----\t------\t------")
	for _, r := range results {
		state := "ok"
		if !r.OK {
			state = "failing"
		}
		detail := r.URL
		if r.Error != "" {
			detail = r.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.Endpoint, state, detail)
	}

	_ = w.Flush()
	return sb.String()
}
