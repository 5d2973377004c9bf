package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type WebhookMessage struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

type Embed struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Color       int       `json:"color"`
	Timestamp   time.Time `json:"timestamp"`
	Fields      []Field   `json:"fields,omitempty"`
}

type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Client posts alerts and run reports to a Discord webhook. A client with an
// empty webhook URL silently drops every message.
type Client struct {
	webhookURL string
	httpClient *http.Client
	source     string
	pending    sync.WaitGroup
}

func NewClient(webhookURL, source string) *Client {
	return &Client{
		webhookURL: strings.TrimSpace(webhookURL),
		source:     source,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether a webhook URL is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.webhookURL != ""
}

func (c *Client) SendMessage(ctx context.Context, msg WebhookMessage) error {
	if !c.Enabled() {
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook request failed with status: %d", resp.StatusCode)
	}
	return nil
}

// SendLogMessage posts a single log event as an embed.
func (c *Client) SendLogMessage(ctx context.Context, level, message string, fields map[string]interface{}) error {
	embed := Embed{
		Title:       fmt.Sprintf("%s %s", c.source, strings.ToUpper(level)),
		Description: message,
		Color:       colorForLevel(level),
		Timestamp:   time.Now(),
		Fields:      toFields(fields),
	}
	return c.SendMessage(ctx, WebhookMessage{Embeds: []Embed{embed}})
}

// SendRunSummary posts the end-of-run report.
func (c *Client) SendRunSummary(ctx context.Context, title string, fields map[string]interface{}) error {
	embed := Embed{
		Title:       title,
		Description: c.source,
		Color:       0x2E8B57,
		Timestamp:   time.Now(),
		Fields:      toFields(fields),
	}
	return c.SendMessage(ctx, WebhookMessage{Embeds: []Embed{embed}})
}

// Hook returns a zerolog hook forwarding events to the webhook in the
// background. Call Wait before exiting to flush in-flight posts.
func (c *Client) Hook() zerolog.Hook {
	return zerolog.HookFunc(func(_ *zerolog.Event, level zerolog.Level, msg string) {
		if !c.Enabled() {
			return
		}
		c.pending.Add(1)
		go func() {
			defer c.pending.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.httpClient.Timeout)
			defer cancel()
			_ = c.SendLogMessage(ctx, level.String(), msg, nil)
		}()
	})
}

// Wait blocks until every background post has finished.
func (c *Client) Wait() {
	c.pending.Wait()
}

func toFields(fields map[string]interface{}) []Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, Field{Name: k, Value: fmt.Sprintf("%v", fields[k]), Inline: true})
	}
	return out
}

func colorForLevel(level string) int {
	switch strings.ToUpper(level) {
	case "ERROR":
		return 0xFF0000 // Red
	case "FATAL", "PANIC":
		return 0x8B0000 // Dark Red
	case "WARN":
		return 0xFFA500 // Orange
	default:
		return 0x808080 // Gray
	}
}
