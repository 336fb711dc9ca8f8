// ABOUTME: Operator commands that talk to a running gateway or mint tokens offline
// ABOUTME: health, sessions, pair (terminal QR + status stream) and token

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/skip2/go-qrcode"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/credstore"
	"github.com/2389/relay-gateway/internal/gateway"
	"github.com/2389/relay-gateway/internal/session"
)

// apiClient calls a running gateway as an operator.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// newAPIClient targets RELAY_URL or, failing that, server.http_addr.
func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	base := os.Getenv("RELAY_URL")
	if base == "" {
		base = "http://" + cfg.Server.HTTPAddr
	}
	return &apiClient{
		baseURL: strings.TrimSuffix(base, "/"),
		apiKey:  cfg.Auth.APIKey,
		http:    &http.Client{},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(auth.APIKeyHeader, c.apiKey)
	}
	return c.http.Do(req)
}

// decodeResponse decodes a 2xx response into out, or turns an error body into an error.
func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr gateway.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s, status %d)", apiErr.Error, apiErr.Kind, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runHealth(ctx context.Context) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodGet, "/health/ready", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}

func runSessions(ctx context.Context) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodGet, "/api/sessions", nil)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	var ids []string
	if err := decodeResponse(resp, &ids); err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	for _, id := range ids {
		resp, err := c.do(ctx, http.MethodGet, "/api/session/status/"+id, nil)
		if err != nil {
			return fmt.Errorf("fetching status for %s: %w", id, err)
		}
		var st session.Status
		if err := decodeResponse(resp, &st); err != nil {
			fmt.Printf("  %-32s ", id)
			red.Println(err)
			continue
		}

		fmt.Printf("  %-32s ", id)
		switch st.State {
		case session.StateConnected:
			green.Print(st.State)
		case session.StateFailed:
			red.Print(st.State)
		default:
			yellow.Print(st.State)
		}
		if st.LastDisconnect != nil {
			color.New(color.FgHiBlack).Printf("  last close: %s", st.LastDisconnect.Reason)
		}
		fmt.Println()
	}
	return nil
}

// runPair starts a session and renders each pairing code as a terminal QR
// code until the session connects.
func runPair(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	webhookURL := fs.String("webhook", "", "Webhook URL for inbound messages")
	if err := fs.Parse(reorderArgs(args)); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: relay-gateway pair ID [--webhook URL]")
	}
	sessionID := fs.Arg(0)

	c, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/session/start/"+sessionID, gateway.StartRequest{WebhookURL: *webhookURL})
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	var start gateway.StartResponse
	if err := decodeResponse(resp, &start); err != nil {
		return err
	}
	if start.Status == gateway.StartStatusConnected {
		color.New(color.FgGreen).Printf("  ✓ %s is already connected\n", sessionID)
		return nil
	}

	resp, err = c.do(ctx, http.MethodGet, "/api/session/events/"+sessionID, nil)
	if err != nil {
		return fmt.Errorf("watching session: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeResponse(resp, nil)
	}
	defer resp.Body.Close()

	lastCode := ""
	return readStatusEvents(resp.Body, func(st session.Status) (bool, error) {
		switch st.State {
		case session.StateQRPending:
			if st.PairingCode != "" && st.PairingCode != lastCode {
				lastCode = st.PairingCode
				if err := printQR(st.PairingCode); err != nil {
					return true, err
				}
			}
		case session.StateConnected:
			color.New(color.FgGreen).Printf("  ✓ %s connected\n", sessionID)
			return true, nil
		case session.StateFailed:
			return true, fmt.Errorf("session %s failed", sessionID)
		case session.StateLoggedOut:
			return true, fmt.Errorf("session %s was logged out", sessionID)
		}
		return false, nil
	})
}

// readStatusEvents feeds each SSE status event to fn until fn reports done.
func readStatusEvents(r io.Reader, fn func(session.Status) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var st session.Status
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return fmt.Errorf("decoding status event: %w", err)
		}
		done, err := fn(st)
		if done || err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("event stream ended")
}

func printQR(code string) error {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encoding pairing code: %w", err)
	}
	fmt.Println()
	fmt.Print(qr.ToSmallString(false))
	color.New(color.FgHiBlack).Println("  scan with the linked-devices screen of your phone")
	return nil
}

// runToken mints a tenant token offline from the configured JWT secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sessionID := fs.String("session", "", "Session the token is scoped to")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return errors.New("--session is required")
	}
	if err := credstore.ValidateSessionID(*sessionID); err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Issue(*sessionID, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(*ttl).UTC().Format(time.RFC3339))
	return nil
}

// reorderArgs moves flags ahead of positional arguments so "pair ID --webhook
// URL" parses like "pair --webhook URL ID".
func reorderArgs(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "-") {
			flags = append(flags, a)
			if !strings.Contains(a, "=") && i+1 < len(args) {
				flags = append(flags, args[i+1])
				i++
			}
			continue
		}
		positional = append(positional, a)
	}
	return append(flags, positional...)
}
