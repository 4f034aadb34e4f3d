package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type clientOptions struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func registerClientFlags(fs *flag.FlagSet, opts *clientOptions) {
	fs.StringVar(&opts.BaseURL, "url", "http://127.0.0.1:4777", "gateway base URL")
	fs.StringVar(&opts.Token, "token", os.Getenv("AGLINK_AUTH_TOKEN"), "bearer token")
	fs.DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "request timeout")
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(opts clientOptions) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(opts.BaseURL, "/"),
		token: opts.Token,
		// The send endpoint blocks for the whole exchange; give the client
		// a little headroom past the server-side timeout.
		http: &http.Client{Timeout: opts.Timeout + 30*time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s", formatAPIError(resp.StatusCode, data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// formatAPIError renders the gateway's error envelope for the terminal.
func formatAPIError(status int, data []byte) string {
	var envelope struct {
		Message   string `json:"message"`
		Code      string `json:"code"`
		Details   string `json:"details"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Message == "" {
		return fmt.Sprintf("gateway returned %d: %s", status, strings.TrimSpace(string(data)))
	}
	msg := envelope.Message
	if envelope.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, envelope.Code)
	}
	if envelope.Retryable {
		msg += " [retryable]"
	}
	return msg
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var opts clientOptions
	registerClientFlags(fs, &opts)
	if err := fs.Parse(args); err != nil {
		return err
	}

	text := strings.Join(fs.Args(), " ")
	if text == "" {
		// No args: read the message from stdin, so long prompts can be piped.
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		return fmt.Errorf("usage: aglink send [flags] <text>  (or pipe text on stdin)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout+30*time.Second)
	defer cancel()

	var resp struct {
		Success        bool    `json:"success"`
		Status         string  `json:"status"`
		Reply          string  `json:"reply"`
		HasReply       bool    `json:"has_reply"`
		ErrorText      string  `json:"error_text"`
		ElapsedSeconds float64 `json:"elapsed_seconds"`
	}
	err := newAPIClient(opts).do(ctx, http.MethodPost, "/api/send", map[string]any{
		"text":            text,
		"timeout_seconds": opts.Timeout.Seconds(),
	}, &resp)
	if err != nil {
		return err
	}

	switch resp.Status {
	case "completed":
		fmt.Println(resp.Reply)
	case "failed":
		return fmt.Errorf("agent reported an error: %s", resp.ErrorText)
	case "timed_out":
		if resp.HasReply {
			fmt.Fprintf(os.Stderr, "warning: timed out after %.0fs; partial reply follows\n", resp.ElapsedSeconds)
			fmt.Println(resp.Reply)
			return nil
		}
		return fmt.Errorf("timed out after %.0fs with no reply", resp.ElapsedSeconds)
	default:
		return fmt.Errorf("unexpected status %q", resp.Status)
	}
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	var opts clientOptions
	registerClientFlags(fs, &opts)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var status struct {
		Version       string  `json:"version"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Connection    string  `json:"connection"`
		Provider      struct {
			Present bool `json:"present"`
			Version int  `json:"version"`
		} `json:"provider"`
		Idle *bool `json:"idle"`
	}
	if err := newAPIClient(opts).do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return err
	}

	fmt.Printf("Bridge:     %s (up %s)\n", status.Version, (time.Duration(status.UptimeSeconds) * time.Second).String())
	fmt.Printf("Connection: %s\n", status.Connection)
	if status.Provider.Present {
		fmt.Printf("Provider:   installed (v%d)\n", status.Provider.Version)
	} else {
		fmt.Printf("Provider:   not installed\n")
	}
	if status.Idle != nil {
		if *status.Idle {
			fmt.Printf("Agent:      idle\n")
		} else {
			fmt.Printf("Agent:      busy\n")
		}
	}
	return nil
}

func runMessages(args []string) error {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	var opts clientOptions
	asJSON := fs.Bool("json", false, "print raw JSON")
	registerClientFlags(fs, &opts)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var resp struct {
		Messages []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"messages"`
		Count int `json:"count"`
	}
	if err := newAPIClient(opts).do(ctx, http.MethodGet, "/api/messages", nil, &resp); err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp.Messages)
	}
	for _, msg := range resp.Messages {
		label := "agent"
		if msg.Type == "user" {
			label = "you"
		}
		fmt.Printf("[%s] %s\n", label, msg.Text)
	}
	return nil
}

func runDiagnose(args []string) error {
	fs := flag.NewFlagSet("diagnose", flag.ExitOnError)
	var opts clientOptions
	registerClientFlags(fs, &opts)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var resp struct {
		Diagnostics json.RawMessage `json:"diagnostics"`
	}
	if err := newAPIClient(opts).do(ctx, http.MethodGet, "/api/diagnose", nil, &resp); err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp.Diagnostics, "", "  "); err != nil {
		fmt.Println(string(resp.Diagnostics))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
