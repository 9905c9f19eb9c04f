// Package discord implements the bot's outbound Discord calls over the
// REST API. Gateway traffic is out of scope here; this client covers the
// few endpoints the expiration handlers and notifications need.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/guildworks/guildcore/internal/common"
	"github.com/guildworks/guildcore/internal/config"
	"github.com/guildworks/guildcore/internal/interfaces"
)

const (
	requestTimeout = 15 * time.Second

	// Transient failures (network errors, 429s, 5xx) are retried a small
	// bounded number of times so a rate-limited side effect does not fail
	// outright, without holding a scheduler batch slot for long.
	defaultMaxRetries = 2
	retryBaseDelay    = 250 * time.Millisecond
	retryMaxDelay     = 5 * time.Second
)

// Client talks to the Discord REST API with a bot token.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	logger  *common.Logger

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(cfg *config.DiscordConfig, logger *common.Logger) *Client {
	return &Client{
		token:      cfg.Token,
		baseURL:    strings.TrimRight(cfg.APIBase, "/"),
		http:       &http.Client{Timeout: requestTimeout},
		logger:     logger,
		maxRetries: defaultMaxRetries,
		baseDelay:  retryBaseDelay,
		maxDelay:   retryMaxDelay,
	}
}

// RevokeRole removes a role from a guild member. A missing member or role
// maps to RevokeNotFound and a permission refusal to RevokeForbidden, so
// callers can treat both as non-retryable.
func (c *Client) RevokeRole(ctx context.Context, guildID, userID, roleID, reason string) (interfaces.RevokeResult, error) {
	path := fmt.Sprintf("/guilds/%s/members/%s/roles/%s",
		url.PathEscape(guildID), url.PathEscape(userID), url.PathEscape(roleID))

	var headers map[string]string
	if reason != "" {
		headers = map[string]string{"X-Audit-Log-Reason": reason}
	}
	resp, err := c.do(ctx, http.MethodDelete, path, headers, nil)
	if err != nil {
		return interfaces.RevokeOK, fmt.Errorf("revoke role: %w", err)
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return interfaces.RevokeOK, nil
	case http.StatusNotFound:
		return interfaces.RevokeNotFound, nil
	case http.StatusForbidden:
		return interfaces.RevokeForbidden, nil
	default:
		return interfaces.RevokeOK, apiError("revoke role", resp)
	}
}

// NotifyUser opens (or reuses) the DM channel with a user and sends message.
func (c *Client) NotifyUser(ctx context.Context, userID, message string) error {
	var channel struct {
		ID string `json:"id"`
	}
	err := c.postJSON(ctx, "/users/@me/channels",
		map[string]string{"recipient_id": userID}, &channel)
	if err != nil {
		return fmt.Errorf("open dm channel: %w", err)
	}
	if channel.ID == "" {
		return fmt.Errorf("open dm channel: empty channel id for user %s", userID)
	}
	return c.sendMessage(ctx, channel.ID, message)
}

// PublishPollResult posts the closed poll's tally to its channel.
func (c *Client) PublishPollResult(ctx context.Context, channelID string, result interfaces.PollResult) error {
	return c.sendMessage(ctx, channelID, formatPollResult(result))
}

func (c *Client) sendMessage(ctx context.Context, channelID, content string) error {
	path := fmt.Sprintf("/channels/%s/messages", url.PathEscape(channelID))
	err := c.postJSON(ctx, path, map[string]string{"content": content}, nil)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(path, resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// do sends one request, rebuilding it per attempt so the body can be replayed.
// Network errors, 429s, and 5xx responses retry up to maxRetries more times
// with exponential backoff, honoring Retry-After when Discord sends one.
// Definitive responses (2xx, 403, 404 and other 4xx) return immediately.
func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body []byte) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bot "+c.token)
		req.Header.Set("User-Agent", "guildcore (https://github.com/guildworks/guildcore)")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitRetry(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			after := resp.Header.Get("Retry-After")
			drain(resp.Body)
			if waitErr := waitRetry(ctx, c.retryDelay(attempt+1, after)); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return resp, nil
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if after := parseRetryAfter(retryAfterHeader); after > 0 {
		if after > c.maxDelay {
			return c.maxDelay
		}
		return after
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

// parseRetryAfter reads the Retry-After header. Discord sends fractional
// seconds on rate limits; proxies may send whole seconds.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(header, 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func waitRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func apiError(what string, resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: discord api status %d: %s", what, resp.StatusCode, strings.TrimSpace(string(detail)))
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

func formatPollResult(r interfaces.PollResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 **Poll closed: %s**\n", r.Question)
	for i, option := range r.Options {
		var count int
		if i < len(r.Counts) {
			count = r.Counts[i]
		}
		fmt.Fprintf(&b, "%s — %d vote", option, count)
		if count != 1 {
			b.WriteString("s")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Total votes: %d", r.Total)
	return b.String()
}
