// Package repliveapi contains a thin client for the Replive private API:
// refresh-token exchange, live-status queries for watched channels, and
// playback URL resolution. Transient failures are retried with bounded
// exponential backoff; credential rejections surface as classified errors so
// the monitor can refresh and retry or abort.
package repliveapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production Replive API root.
	DefaultBaseURL = "https://api.replive.com/"
	// userAgent matches the mobile client the refresh token was captured from;
	// the API rejects unknown agents.
	userAgent = "Replive/3.1.1"

	rpcRefreshAccessToken = "user.v1.UserService/RefreshAccessToken"
	rpcCheckStreamingLive = "user.v1.LiveService/CheckStreamingLive"
	rpcGetLiveStatus      = "user.v1.LiveService/GetLiveStatus"
)

// LiveStream describes one live broadcast as reported by the API.
type LiveStream struct {
	LiveID      string
	UserID      string
	DisplayName string
	Title       string
	PlaybackURL string
}

// Client talks to the Replive API. Authorized calls attach the bearer token
// from Tokens; RefreshAccessToken needs only the refresh token itself.
type Client struct {
	BaseURL     string
	HTTPClient  *http.Client
	Tokens      *TokenStore
	MaxAttempts int           // transient retry ceiling, default 3
	BackoffBase time.Duration // default 500ms
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return DefaultBaseURL
}

func (c *Client) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 3
}

func (c *Client) backoffBase() time.Duration {
	if c.BackoffBase > 0 {
		return c.BackoffBase
	}
	return 500 * time.Millisecond
}

// doRPC posts a JSON body to one of the API's RPC paths and decodes the
// response into out. Transient failures (transport errors, 408/429/5xx) are
// retried with exponential backoff plus jitter up to MaxAttempts; 401/403
// returns immediately as Unauthorized.
func (c *Client) doRPC(ctx context.Context, rpc string, body, out any, authorized bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", rpc, err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts(); attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase() * time.Duration(1<<attempt)
			//nolint:gosec // G404: math/rand is sufficient for retry jitter, not used for security
			backoff += time.Duration(rand.Int63n(int64(c.backoffBase())))
			slog.Debug("retrying replive call", slog.String("rpc", rpc), slog.Int("attempt", attempt), slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+rpc, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("accept", "application/json")
		if authorized {
			tok, err := c.Tokens.Get()
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+tok)
		}

		resp, err := c.http().Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = &APIError{Kind: KindTransient, Op: rpc, Err: err}
			continue
		}
		func() {
			defer func() {
				if err := resp.Body.Close(); err != nil {
					slog.Warn("failed to close response body", slog.Any("err", err))
				}
			}()
			if resp.StatusCode != http.StatusOK {
				b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				lastErr = &APIError{Kind: classifyStatus(resp.StatusCode), Op: rpc, Status: resp.StatusCode, Msg: strings.TrimSpace(string(b))}
				return
			}
			if out != nil {
				if derr := json.NewDecoder(resp.Body).Decode(out); derr != nil {
					lastErr = &APIError{Kind: KindTransient, Op: rpc, Err: fmt.Errorf("decode response: %w", derr)}
					return
				}
			}
			lastErr = nil
		}()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// RefreshAccessToken exchanges the long-lived refresh token for a new access
// token. A 401/403 here means the refresh token itself was rejected and is
// surfaced as AuthFailure (fatal for the whole process).
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (string, time.Time, error) {
	if refreshToken == "" {
		return "", time.Time{}, &APIError{Kind: KindAuthFailure, Op: rpcRefreshAccessToken, Msg: "empty refresh token"}
	}
	var raw map[string]json.RawMessage
	err := c.doRPC(ctx, rpcRefreshAccessToken, map[string]string{"refreshToken": refreshToken}, &raw, false)
	if err != nil {
		var ae *APIError
		if errors.As(err, &ae) && ae.Kind == KindUnauthorized {
			return "", time.Time{}, &APIError{Kind: KindAuthFailure, Op: ae.Op, Status: ae.Status, Msg: ae.Msg}
		}
		return "", time.Time{}, err
	}

	tok := firstString(raw, "accessToken", "access_token", "AccessToken")
	if tok == "" {
		return "", time.Time{}, &APIError{Kind: KindAuthFailure, Op: rpcRefreshAccessToken, Msg: "no access token in response"}
	}
	exp := parseExpiry(raw, "accessTokenExpireTime", "access_token_expire_time", "AccessTokenExpireTime")
	return tok, exp, nil
}

type liveEntry struct {
	LiveID      string `json:"liveId"`
	UserID      string `json:"userId"`
	Title       string `json:"title"`
	PlaybackURL string `json:"playbackUrl"`
}

type userEntry struct {
	DisplayName string `json:"displayName"`
}

// CheckStreamingLive returns every followed channel currently live. The
// response joins the live list with a users map for display names; absent
// entries fall back to the raw user id.
func (c *Client) CheckStreamingLive(ctx context.Context) ([]LiveStream, error) {
	var body struct {
		FollowingLives []liveEntry          `json:"followingLives"`
		Users          map[string]userEntry `json:"users"`
	}
	if err := c.doRPC(ctx, rpcCheckStreamingLive, map[string]string{}, &body, true); err != nil {
		return nil, err
	}
	out := make([]LiveStream, 0, len(body.FollowingLives))
	for _, l := range body.FollowingLives {
		name := body.Users[l.UserID].DisplayName
		if name == "" {
			name = l.UserID
		}
		out = append(out, LiveStream{
			LiveID:      l.LiveID,
			UserID:      l.UserID,
			DisplayName: name,
			Title:       l.Title,
			PlaybackURL: l.PlaybackURL,
		})
	}
	return out, nil
}

// LiveStatus queries a single channel. A nil stream means offline.
func (c *Client) LiveStatus(ctx context.Context, channelID string) (*LiveStream, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channelID empty")
	}
	var body struct {
		Live bool      `json:"live"`
		Info liveEntry `json:"liveInfo"`
		User userEntry `json:"user"`
	}
	if err := c.doRPC(ctx, rpcGetLiveStatus, map[string]string{"userId": channelID}, &body, true); err != nil {
		return nil, err
	}
	if !body.Live {
		return nil, nil
	}
	name := body.User.DisplayName
	if name == "" {
		name = channelID
	}
	return &LiveStream{
		LiveID:      body.Info.LiveID,
		UserID:      channelID,
		DisplayName: name,
		Title:       body.Info.Title,
		PlaybackURL: body.Info.PlaybackURL,
	}, nil
}

// ResolvePlaybackURL returns a recorder-consumable URL for a live channel.
// Fails NotLive when the stream ended between detection and resolution.
func (c *Client) ResolvePlaybackURL(ctx context.Context, channelID string) (string, error) {
	ls, err := c.LiveStatus(ctx, channelID)
	if err != nil {
		return "", err
	}
	if ls == nil || ls.PlaybackURL == "" {
		return "", &APIError{Kind: KindNotLive, Op: rpcGetLiveStatus, Msg: "channel " + channelID + " is not live"}
	}
	return ConvertToRTMP(ls.PlaybackURL), nil
}

// ConvertToRTMP rewrites a webrtc:// playback URL to its rtmp:// equivalent
// (same host, path, and signed query), which is what the recorder consumes.
func ConvertToRTMP(playbackURL string) string {
	if strings.HasPrefix(playbackURL, "webrtc://") {
		return "rtmp://" + strings.TrimPrefix(playbackURL, "webrtc://")
	}
	return playbackURL
}

// firstString probes alternate key spellings; the API has drifted between
// camelCase, snake_case, and PascalCase across client versions.
func firstString(raw map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			var s string
			if err := json.Unmarshal(v, &s); err == nil && s != "" {
				return s
			}
		}
	}
	return ""
}

// parseExpiry accepts an RFC3339 string, a protobuf-style {"seconds": n}
// object, or a bare epoch number. Unknown shapes default to one hour out.
func parseExpiry(raw map[string]json.RawMessage, keys ...string) time.Time {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
			continue
		}
		var obj struct {
			Seconds int64 `json:"seconds"`
		}
		if err := json.Unmarshal(v, &obj); err == nil && obj.Seconds > 0 {
			return time.Unix(obj.Seconds, 0)
		}
		var n float64
		if err := json.Unmarshal(v, &n); err == nil && n > 0 {
			return time.Unix(int64(n), 0)
		}
	}
	return time.Now().Add(time.Hour)
}
