// Package communicator implements the agent's connectivity surface:
// authentication and token lifecycle, a pre-expiry refresh timer,
// arbitrated re-authentication on 401/403, and the three long-lived
// request loops (commands poll, stateful events, stateless events),
// grounded on the pack's hand-rolled REST client idiom
// (pkg/supabase/client.go) and its JWT-claim handling
// (pkg/auth/supabase_auth.go), adapted from signature verification to a
// decode-only read of the `exp` claim since the agent holds no manager
// public key.
package communicator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sentrypoint/agent/internal/core"
	"github.com/sentrypoint/agent/internal/httpclient"
	"github.com/sentrypoint/agent/internal/logger"
)

// ErrAuthFatal signals the manager rejected the agent's credentials
// outright (bad key, unknown agent). The agent must stop and re-enroll;
// this core never recovers from it on its own.
var ErrAuthFatal = fmt.Errorf("communicator: fatal authentication error")

// Token is the in-memory authentication token: its expiry is tracked
// alongside the opaque string since no local secret lets the agent
// re-derive it.
type Token struct {
	Value string
	Exp   time.Time
}

func (t Token) imminentExpiry() bool {
	if t.Value == "" {
		return true
	}
	return time.Until(t.Exp) <= 0
}

// Config controls one Communicator instance.
type Config struct {
	ServerURL              string
	UUID                   string
	Key                    string
	Verification           httpclient.VerificationMode
	RetryInterval          time.Duration
	CommandsRequestTimeout time.Duration
	BatchSizeBytes         int
}

func (c *Config) normalize() {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 60 * time.Second
	}
	ms := core.ClampLimit(int(c.CommandsRequestTimeout/time.Millisecond), 60_000, 900_000)
	if ms < 10_000 {
		ms = 10_000
	}
	c.CommandsRequestTimeout = time.Duration(ms) * time.Millisecond

	c.BatchSizeBytes = core.ClampLimit(c.BatchSizeBytes, 1_000_000, 100_000_000)
	if c.BatchSizeBytes < 1000 {
		c.BatchSizeBytes = 1000
	}
}

// HeaderInfoFunc supplies the caller-defined header-info string sent with
// every authentication request (e.g. agent version/platform banner).
type HeaderInfoFunc func() string

// GetMessagesFunc reads a batch of about maxBytes worth of messages from a
// queue, returning the count and their serialized JSON-array body.
type GetMessagesFunc func(ctx context.Context, maxBytes int) (count int, body []byte, err error)

// OnSuccessFunc is invoked after a 2xx response; for the event loops it is
// expected to remove the count delivered messages from the source queue.
type OnSuccessFunc func(ctx context.Context, count int, responseBody []byte)

// Communicator owns authentication, the token-expiry task and the three
// request loops.
type Communicator struct {
	cfg    Config
	client *httpclient.Client
	log    *logger.Logger

	headerInfo HeaderInfoFunc

	token atomic.Pointer[Token]

	keepRunning atomic.Bool

	reauthMu  sync.Mutex
	reauthing atomic.Bool

	expiryMu     sync.Mutex
	expiryCancel context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Communicator. headerInfo supplies the banner string sent
// with every authentication request.
func New(cfg Config, headerInfo HeaderInfoFunc, log *logger.Logger) *Communicator {
	if log == nil {
		log = logger.NewDefault("communicator")
	}
	cfg.normalize()
	return &Communicator{
		cfg:        cfg,
		client:     httpclient.New(cfg.Verification, log),
		log:        log,
		headerInfo: headerInfo,
	}
}

// Name implements system.Service.
func (c *Communicator) Name() string { return "communicator" }

// CurrentToken returns a snapshot of the in-memory token.
func (c *Communicator) CurrentToken() Token {
	if t := c.token.Load(); t != nil {
		return *t
	}
	return Token{}
}

type authResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

type authErrorBody struct {
	Message string `json:"message"`
}

// Authenticate performs the uuid/key authentication exchange and stores
// the resulting token on success.
func (c *Communicator) Authenticate(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{"uuid": c.cfg.UUID, "key": c.cfg.Key})
	if err != nil {
		return fmt.Errorf("communicator: marshal auth payload: %w", err)
	}

	var userAgent string
	if c.headerInfo != nil {
		userAgent = c.headerInfo()
	}

	status, body, err := c.client.CoPerform(ctx, httpclient.RequestParams{
		Method:    http.MethodPost,
		URL:       strings.TrimRight(c.cfg.ServerURL, "/") + "/api/v1/authentication",
		UserAgent: userAgent,
		Body:      payload,
		Timeout:   c.cfg.CommandsRequestTimeout,
	})
	if err != nil {
		c.token.Store(&Token{})
		return err
	}

	if status >= 200 && status < 300 {
		var parsed authResponse
		if err := json.Unmarshal(body, &parsed); err != nil || parsed.Data.Token == "" {
			c.token.Store(&Token{})
			return fmt.Errorf("communicator: malformed authentication response")
		}
		exp, err := decodeExpiry(parsed.Data.Token)
		if err != nil {
			c.token.Store(&Token{})
			return fmt.Errorf("communicator: decode token: %w", err)
		}
		c.token.Store(&Token{Value: parsed.Data.Token, Exp: exp})
		return nil
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		var errBody authErrorBody
		_ = json.Unmarshal(body, &errBody)
		if errBody.Message == "Invalid key" || strings.Contains(string(body), "Agent does not exist") {
			c.token.Store(&Token{})
			return ErrAuthFatal
		}
	}

	c.token.Store(&Token{})
	return fmt.Errorf("communicator: authentication failed with status %d", status)
}

// decodeExpiry parses the JWT's exp claim without verifying its signature:
// the agent has no manager public key to verify against, so this reads
// the claim the manager already vouched for over a TLS connection.
func decodeExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	expVal, ok := claims["exp"]
	if !ok {
		return time.Time{}, fmt.Errorf("missing exp claim")
	}
	expFloat, ok := expVal.(float64)
	if !ok {
		return time.Time{}, fmt.Errorf("exp claim is not numeric")
	}
	return time.Unix(int64(expFloat), 0), nil
}

// TryReauthenticate arbitrates concurrent re-authentication attempts so at
// most one outbound request is in flight at a time; callers that lose the
// race log at debug and return immediately.
func (c *Communicator) TryReauthenticate(ctx context.Context) error {
	if !c.reauthMu.TryLock() {
		c.log.Debug("re-authentication already in progress, skipping")
		return nil
	}
	defer c.reauthMu.Unlock()

	c.reauthing.Store(true)
	defer c.reauthing.Store(false)

	err := c.Authenticate(ctx)
	if err == nil {
		c.resetExpiryTimer()
	}
	return err
}

func (c *Communicator) resetExpiryTimer() {
	c.expiryMu.Lock()
	defer c.expiryMu.Unlock()
	if c.expiryCancel != nil {
		c.expiryCancel()
	}
}

// runTokenExpiry waits until exp-2s then re-authenticates, looping while
// keep_running. A cancellation of the per-wait context (triggered by
// TryReauthenticate after an out-of-band refresh) is treated as "wake now".
func (c *Communicator) runTokenExpiry(ctx context.Context) {
	defer c.wg.Done()
	for c.keepRunning.Load() {
		tok := c.CurrentToken()
		wait := time.Until(tok.Exp) - 2*time.Second
		if tok.Value == "" || wait < 0 {
			wait = 0
		}

		waitCtx, cancel := context.WithTimeout(ctx, wait)
		c.expiryMu.Lock()
		c.expiryCancel = cancel
		c.expiryMu.Unlock()

		<-waitCtx.Done()
		cancel()

		if !c.keepRunning.Load() {
			return
		}
		if err := c.Authenticate(ctx); err != nil {
			if err == ErrAuthFatal {
				c.log.Errorf("fatal authentication error during token refresh: %v", err)
				return
			}
			c.log.Warnf("token refresh failed, retrying in %s: %v", c.cfg.RetryInterval, err)
			select {
			case <-time.After(c.cfg.RetryInterval):
			case <-ctx.Done():
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// countWireItems counts the elements in a commands response body without
// assuming a schema beyond its shape: either a bare JSON array, or an
// envelope of the form {"data":[...]}. The commands payload is otherwise
// implementation-opaque to this package; anything unrecognized counts as 0.
func countWireItems(body []byte) int {
	var direct []json.RawMessage
	if err := json.Unmarshal(body, &direct); err == nil {
		return len(direct)
	}
	var wrapped struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		return len(wrapped.Data)
	}
	return 0
}

// RunCommandsLoop polls /api/v1/commands, handing the response body to
// onSuccess.
func (c *Communicator) RunCommandsLoop(ctx context.Context, onSuccess OnSuccessFunc) {
	defer c.wg.Done()
	for c.keepRunning.Load() {
		tok := c.CurrentToken()
		status, body, err := c.client.CoPerform(ctx, httpclient.RequestParams{
			Method:  http.MethodGet,
			URL:     strings.TrimRight(c.cfg.ServerURL, "/") + "/api/v1/commands",
			Token:   tok.Value,
			Timeout: c.cfg.CommandsRequestTimeout,
		})
		switch {
		case err == nil && status >= 200 && status < 300:
			onSuccess(ctx, countWireItems(body), body)
			sleep(ctx, time.Second)
		case err == nil && status == http.StatusRequestTimeout:
			// no backoff on timeout, retry immediately
		case err == nil && (status == http.StatusUnauthorized || status == http.StatusForbidden):
			_ = c.TryReauthenticate(ctx)
			sleep(ctx, c.cfg.RetryInterval)
		default:
			sleep(ctx, c.cfg.RetryInterval)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// RunStatefulLoop drains the stateful event queue via getMessages and POSTs
// it to /api/v1/events/stateful.
func (c *Communicator) RunStatefulLoop(ctx context.Context, getMessages GetMessagesFunc, onSuccess OnSuccessFunc) {
	defer c.wg.Done()
	c.executeEventLoop(ctx, "/api/v1/events/stateful", getMessages, onSuccess)
}

// RunStatelessLoop drains the stateless event queue via getMessages and
// POSTs it to /api/v1/events/stateless.
func (c *Communicator) RunStatelessLoop(ctx context.Context, getMessages GetMessagesFunc, onSuccess OnSuccessFunc) {
	defer c.wg.Done()
	c.executeEventLoop(ctx, "/api/v1/events/stateless", getMessages, onSuccess)
}

func (c *Communicator) executeEventLoop(ctx context.Context, path string, getMessages GetMessagesFunc, onSuccess OnSuccessFunc) {
	for c.keepRunning.Load() {
		tok := c.CurrentToken()
		if tok.Value == "" {
			sleep(ctx, time.Second)
			continue
		}

		var count int
		var body []byte
		var err error
		for c.keepRunning.Load() {
			count, body, err = getMessages(ctx, c.cfg.BatchSizeBytes)
			if err != nil {
				c.log.Errorf("get messages for %s: %v", path, err)
				break
			}
			if count > 0 {
				break
			}
			sleep(ctx, 100*time.Millisecond)
		}
		if !c.keepRunning.Load() || err != nil || count == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		status, respBody, reqErr := c.client.CoPerform(ctx, httpclient.RequestParams{
			Method:  http.MethodPost,
			URL:     strings.TrimRight(c.cfg.ServerURL, "/") + path,
			Token:   tok.Value,
			Body:    body,
			Timeout: c.cfg.CommandsRequestTimeout,
		})

		switch {
		case reqErr == nil && status >= 200 && status < 300:
			onSuccess(ctx, count, respBody)
		case reqErr == nil && (status == http.StatusUnauthorized || status == http.StatusForbidden):
			_ = c.TryReauthenticate(ctx)
			sleep(ctx, c.cfg.RetryInterval)
		case reqErr == nil && status == http.StatusRequestTimeout:
			sleep(ctx, time.Second)
		default:
			sleep(ctx, c.cfg.RetryInterval)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// GetGroupConfig downloads the named group's configuration file and hands
// the body to write, returning true on success.
func (c *Communicator) GetGroupConfig(ctx context.Context, group string, write func([]byte) error) (bool, error) {
	tok := c.CurrentToken()
	status, body, err := c.client.CoPerform(ctx, httpclient.RequestParams{
		Method:  http.MethodGet,
		URL:     strings.TrimRight(c.cfg.ServerURL, "/") + "/api/v1/files?file_name=" + group + ".conf",
		Token:   tok.Value,
		Timeout: c.cfg.CommandsRequestTimeout,
	})
	if err != nil {
		return false, err
	}
	if status >= 200 && status < 300 {
		if werr := write(body); werr != nil {
			return false, werr
		}
		return true, nil
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		_ = c.TryReauthenticate(ctx)
	}
	return false, nil
}

// LoopFuncs bundles the caller-supplied hooks each event loop needs.
type LoopFuncs struct {
	StatefulMessages  GetMessagesFunc
	StatefulSuccess   OnSuccessFunc
	StatelessMessages GetMessagesFunc
	StatelessSuccess  OnSuccessFunc
	CommandsSuccess   OnSuccessFunc
}

// Start performs the initial authentication and launches the token-expiry
// task plus the three request loops. Its extra funcs argument means
// Communicator does not satisfy system.Service by itself; internal/agent
// wraps it in an adapter that does.
func (c *Communicator) Start(ctx context.Context, funcs LoopFuncs) error {
	c.keepRunning.Store(true)

	if err := c.Authenticate(ctx); err != nil && err != ErrAuthFatal {
		c.log.Warnf("initial authentication failed, continuing to retry in background: %v", err)
	} else if err == ErrAuthFatal {
		return err
	}

	c.wg.Add(4)
	go c.runTokenExpiry(ctx)
	go c.RunCommandsLoop(ctx, funcs.CommandsSuccess)
	go c.RunStatefulLoop(ctx, funcs.StatefulMessages, funcs.StatefulSuccess)
	go c.RunStatelessLoop(ctx, funcs.StatelessMessages, funcs.StatelessSuccess)
	return nil
}

// Stop flips keep_running and waits for all loops to return.
func (c *Communicator) Stop(ctx context.Context) error {
	c.keepRunning.Store(false)
	c.resetExpiryTimer()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
