// Package discord はユーザーのOAuthトークンでDiscord REST APIを呼び出すクライアントを提供する。
// エンドポイントごとのレート制限状態を高速キャッシュに共有し、
// 429のリトライと401/403時のトークンリフレッシュを1回の呼び出しの中で処理する。
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/discordfeed/internal/cache"
	"github.com/hitoshi/discordfeed/internal/model"
	"github.com/hitoshi/discordfeed/internal/token"
)

const (
	// DefaultBaseURL はDiscord REST API v10のベースURL。
	DefaultBaseURL = "https://discord.com/api/v10"

	// DefaultMessageLimit は1回のメッセージ取得件数。
	DefaultMessageLimit = 50

	// maxRateLimitRetries は1回の呼び出しで429をリトライする最大回数。
	maxRateLimitRetries = 3

	// maxResponseSize はレスポンスボディの最大読み取りサイズ。
	maxResponseSize = 8 * 1024 * 1024

	// fallbackTokenLifetime はトークンレスポンスにexpires_inがない場合の有効期間。
	fallbackTokenLifetime = 7 * 24 * time.Hour

	userAgent = "DiscordBot (https://github.com/hitoshi/discordfeed, 1.0)"
)

// TokenStore はクライアントが利用するトークンの読み書きインターフェース。
// token.Storeが実装する。
type TokenStore interface {
	Get(ctx context.Context, userID string) (*model.Token, error)
	Store(ctx context.Context, userID string, tok *model.Token) error
}

// Recorder はAPI呼び出しのメトリクスを記録するインターフェース。
type Recorder interface {
	RecordDiscordCall(route string, statusCode int, duration time.Duration)
	RecordRateLimitWait(duration time.Duration)
	RecordTokenRefresh(success bool)
}

type noopRecorder struct{}

func (noopRecorder) RecordDiscordCall(string, int, time.Duration) {}
func (noopRecorder) RecordRateLimitWait(time.Duration)            {}
func (noopRecorder) RecordTokenRefresh(bool)                      {}

// Config はクライアントの接続設定。
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// Client はレート制限を考慮したDiscord APIクライアント。
// リトライ状態は呼び出しごとのcallStateに保持し、Client自身は状態を持たない。
type Client struct {
	httpClient *http.Client
	baseURL    string
	oauth      *oauth2.Config
	tokens     TokenStore
	buckets    cache.Cache
	metrics    Recorder
	logger     *slog.Logger

	refreshGroup singleflight.Group

	// テスト用に時計と待機を差し替え可能
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient はClientを生成する。recorderがnilの場合はメトリクスを記録しない。
func NewClient(cfg Config, tokens TokenStore, buckets cache.Cache, recorder Recorder, logger *slog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  baseURL + "/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		tokens:  tokens,
		buckets: buckets,
		metrics: recorder,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// GetGuilds はユーザーが参加しているギルド一覧を取得する。
func (c *Client) GetGuilds(ctx context.Context, userID string) ([]Guild, error) {
	var guilds []Guild
	req := request{method: http.MethodGet, path: "/users/@me/guilds", route: "/users/@me/guilds"}
	if err := c.do(ctx, userID, req, &guilds); err != nil {
		return nil, fmt.Errorf("ギルド一覧の取得に失敗しました: %w", err)
	}
	return guilds, nil
}

// GetGuild は単一ギルドの情報を取得する。
func (c *Client) GetGuild(ctx context.Context, userID, guildID string) (*Guild, error) {
	var guild Guild
	req := request{
		method: http.MethodGet,
		path:   "/guilds/" + url.PathEscape(guildID),
		route:  "/guilds/{guild_id}",
	}
	if err := c.do(ctx, userID, req, &guild); err != nil {
		return nil, fmt.Errorf("ギルドの取得に失敗しました (%s): %w", guildID, err)
	}
	return &guild, nil
}

// GetGuildChannels はギルドのチャンネル一覧を取得する。
// 種別による絞り込みは呼び出し側で行う。
func (c *Client) GetGuildChannels(ctx context.Context, userID, guildID string) ([]Channel, error) {
	var channels []Channel
	req := request{
		method: http.MethodGet,
		path:   "/guilds/" + url.PathEscape(guildID) + "/channels",
		route:  "/guilds/{guild_id}/channels",
	}
	if err := c.do(ctx, userID, req, &channels); err != nil {
		return nil, fmt.Errorf("チャンネル一覧の取得に失敗しました (%s): %w", guildID, err)
	}
	return channels, nil
}

// GetChannelMessages はチャンネルのメッセージを新しい順に取得する。
func (c *Client) GetChannelMessages(ctx context.Context, userID, channelID string, opts MessagesOptions) ([]Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if limit > 100 {
		limit = 100
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if opts.After != "" {
		q.Set("after", opts.After)
	}
	if opts.Before != "" {
		q.Set("before", opts.Before)
	}

	var messages []Message
	req := request{
		method: http.MethodGet,
		path:   "/channels/" + url.PathEscape(channelID) + "/messages",
		route:  "/channels/{channel_id}/messages",
		query:  q,
	}
	if err := c.do(ctx, userID, req, &messages); err != nil {
		return nil, fmt.Errorf("メッセージの取得に失敗しました (%s): %w", channelID, err)
	}
	return messages, nil
}

type request struct {
	method string
	path   string
	// route はメトリクス用のID非依存なパス
	route string
	query url.Values
}

// callState は1回のAPI呼び出し内のリトライ状態。
type callState struct {
	rateLimitRetries int
	authRetried      bool
}

type response struct {
	statusCode int
	header     http.Header
	body       []byte
}

// do はトークン解決、バケット待機、送信、ステータス判定のループを実行する。
func (c *Client) do(ctx context.Context, userID string, req request, out any) error {
	state := &callState{}
	bucketKey := cache.RateLimitKey(req.method, req.path)

	for {
		tok, err := c.resolveToken(ctx, userID)
		if err != nil {
			return err
		}

		if err := c.waitForBucket(ctx, bucketKey); err != nil {
			return err
		}

		resp, err := c.send(ctx, tok, req)
		if err != nil {
			return err
		}
		c.storeBucket(ctx, bucketKey, resp.header)

		switch {
		case resp.statusCode == http.StatusTooManyRequests:
			if state.rateLimitRetries >= maxRateLimitRetries {
				c.logger.Error("レート制限のリトライ上限に達しました",
					slog.String("method", req.method),
					slog.String("path", req.path),
					slog.Int("retries", state.rateLimitRetries),
				)
				return fmt.Errorf("%s %s: %w", req.method, req.path, model.ErrRateLimitExceeded)
			}
			state.rateLimitRetries++
			wait := retryAfter(resp.header, resp.body)
			c.logger.Warn("レート制限を受けたため待機してリトライします",
				slog.String("method", req.method),
				slog.String("path", req.path),
				slog.Int("attempt", state.rateLimitRetries),
				slog.Duration("retry_after", wait),
			)
			c.metrics.RecordRateLimitWait(wait)
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
			continue

		case resp.statusCode == http.StatusUnauthorized || resp.statusCode == http.StatusForbidden:
			apiErr := newAPIError(req, resp)
			if state.authRetried {
				return apiErr
			}
			state.authRetried = true
			c.logger.Info("認証エラーのためトークンをリフレッシュしてリトライします",
				slog.String("user_id", userID),
				slog.Int("http_status", resp.statusCode),
			)
			if c.refresh(ctx, userID, tok) == nil {
				return apiErr
			}
			continue

		case resp.statusCode < 200 || resp.statusCode >= 300:
			return newAPIError(req, resp)
		}

		if out == nil || len(resp.body) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.body, out); err != nil {
			return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
		}
		return nil
	}
}

func newAPIError(req request, resp *response) *model.DiscordAPIError {
	body := resp.body
	if len(body) > 512 {
		body = body[:512]
	}
	return &model.DiscordAPIError{
		StatusCode: resp.statusCode,
		Method:     req.method,
		Path:       req.path,
		Body:       string(body),
	}
}

// send はHTTPリクエストを1回送信する。
func (c *Client) send(ctx context.Context, tok *model.Token, req request) (*response, error) {
	reqURL := c.baseURL + req.path
	if len(req.query) > 0 {
		reqURL += "?" + req.query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.RecordDiscordCall(req.route, 0, c.now().Sub(start))
		c.logger.Error("Discord APIの呼び出しに失敗しました",
			slog.String("method", req.method),
			slog.String("path", req.path),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("Discord APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	c.metrics.RecordDiscordCall(req.route, resp.StatusCode, c.now().Sub(start))

	return &response{statusCode: resp.StatusCode, header: resp.Header, body: body}, nil
}

// resolveToken はトークンストアからトークンを取得し、期限が近ければリフレッシュする。
func (c *Client) resolveToken(ctx context.Context, userID string) (*model.Token, error) {
	tok, err := c.tokens.Get(ctx, userID)
	if err != nil {
		c.logger.Warn("トークンの取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", model.ErrAuthUnavailable, err)
	}
	if tok == nil {
		return nil, fmt.Errorf("user %s: %w", userID, model.ErrAuthUnavailable)
	}

	if token.NeedsRefresh(tok, c.now()) {
		refreshed := c.refresh(ctx, userID, tok)
		if refreshed == nil {
			return nil, fmt.Errorf("user %s: %w", userID, model.ErrAuthUnavailable)
		}
		tok = refreshed
	}
	return tok, nil
}

// waitForBucket はキャッシュ上のバケットを使い切っていればリセットまで待機する。
// キャッシュの読み取り失敗は待機なしとして扱う。
func (c *Client) waitForBucket(ctx context.Context, key string) error {
	var b model.RateLimitBucket
	found, err := cache.GetJSON(ctx, c.buckets, key, &b)
	if err != nil {
		c.logger.Warn("レート制限状態の取得に失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !found || b.Remaining > 0 {
		return nil
	}

	wait := b.ResetAt.Sub(c.now())
	if wait <= 0 {
		return nil
	}
	c.logger.Info("レート制限のリセットまで待機します",
		slog.String("key", key),
		slog.Int64("wait_ms", wait.Milliseconds()),
	)
	c.metrics.RecordRateLimitWait(wait)
	return c.sleep(ctx, wait)
}

// storeBucket はレスポンスヘッダーのバケット状態をリセットまでのTTLで保存する。
func (c *Client) storeBucket(ctx context.Context, key string, h http.Header) {
	now := c.now()
	b, ok := parseBucket(h, key, now)
	if !ok {
		return
	}
	ttl := b.ResetAt.Sub(now)
	if ttl <= 0 {
		return
	}
	if err := cache.SetJSON(ctx, c.buckets, key, b, ttl); err != nil {
		c.logger.Warn("レート制限状態の保存に失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// refresh はリフレッシュトークンで新しいトークンを取得して保存する。
// 同一ユーザーの同時リフレッシュはまとめて1回にする。
// 失敗した場合はログに記録してnilを返す。
func (c *Client) refresh(ctx context.Context, userID string, current *model.Token) *model.Token {
	v, err, shared := c.refreshGroup.Do(userID, func() (any, error) {
		tok, err := c.refreshToken(ctx, userID, current)
		c.metrics.RecordTokenRefresh(err == nil)
		return tok, err
	})
	if err != nil {
		c.logger.Warn("トークンのリフレッシュに失敗しました",
			slog.String("user_id", userID),
			slog.Bool("shared", shared),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return v.(*model.Token)
}

func (c *Client) refreshToken(ctx context.Context, userID string, current *model.Token) (*model.Token, error) {
	if current == nil || current.RefreshToken == "" {
		return nil, fmt.Errorf("リフレッシュトークンがありません: %w", model.ErrRefreshFailed)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	// AccessTokenが空のトークンは無効扱いとなり、TokenSourceが必ずリフレッシュする
	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	ot, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrRefreshFailed, err)
	}

	tok := &model.Token{
		UserID:       userID,
		AccessToken:  ot.AccessToken,
		RefreshToken: ot.RefreshToken,
		ExpiresAt:    ot.Expiry,
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = current.RefreshToken
	}
	if tok.ExpiresAt.IsZero() {
		tok.ExpiresAt = c.now().Add(fallbackTokenLifetime)
	}

	if err := c.tokens.Store(ctx, userID, tok); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrRefreshFailed, err)
	}

	c.logger.Info("トークンをリフレッシュしました",
		slog.String("user_id", userID),
		slog.Time("expires_at", tok.ExpiresAt),
	)
	return tok, nil
}
