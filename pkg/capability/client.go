// Package capability drives the named-operation surface injected into the
// agent's chat page. The page can reload at any time, wiping injected state,
// so every use re-probes liveness and re-injects when needed.
package capability

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/WintryWind7/Antigravity-Link/pkg/devtools"
	apperrors "github.com/WintryWind7/Antigravity-Link/pkg/errors"
	"github.com/WintryWind7/Antigravity-Link/pkg/logging"
)

//go:embed provider.js
var providerScript string

// ProviderVersion must match the version constant inside provider.js. A
// mismatch (stale script from an older bridge build) triggers re-injection.
const ProviderVersion = 1

// globalName is the window property the provider installs itself under.
const globalName = "__agLink"

// Transport is the slice of the devtools connection the client needs.
type Transport interface {
	Evaluate(ctx context.Context, expression string, timeout time.Duration) (json.RawMessage, error)
	DispatchKeyEvent(ctx context.Context, ev devtools.KeyEvent, timeout time.Duration) error
	InsertText(ctx context.Context, text string, timeout time.Duration) error
}

// Session records the last observed provider state. It is advisory only;
// Ensure re-probes before every batch of operations.
type Session struct {
	Present bool
	Version int
}

// Client invokes named provider operations and the two native input
// primitives. Safe for concurrent use.
type Client struct {
	tr          Transport
	callTimeout time.Duration
	logger      *logging.Logger

	mu      sync.Mutex
	session Session
}

// Options configures the Client.
type Options struct {
	// CallTimeout bounds each underlying RPC call.
	CallTimeout time.Duration
	Logger      *logging.Logger
}

// NewClient wraps a transport.
func NewClient(tr Transport, opts Options) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		tr:          tr,
		callTimeout: opts.CallTimeout,
		logger:      logger,
	}
}

// Session returns the last observed provider session state.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

type probeResult struct {
	Present bool `json:"present"`
	Version int  `json:"version"`
}

type installResult struct {
	Installed bool `json:"installed"`
	Already   bool `json:"already"`
	Version   int  `json:"version"`
}

// Ensure probes provider liveness and injects the script when the provider
// is absent or reports a different version. Injection is idempotent: the
// script refuses to double-install at the same version.
func (c *Client) Ensure(ctx context.Context) error {
	probe, err := c.probe(ctx)
	if err != nil {
		return err
	}
	if probe.Present && probe.Version == ProviderVersion {
		c.setSession(Session{Present: true, Version: probe.Version})
		return nil
	}

	raw, err := c.evalString(ctx, providerScript)
	if err != nil {
		c.setSession(Session{})
		return apperrors.Wrap(err, apperrors.ErrCodeInjectionFailed, "injecting capability provider")
	}
	var install installResult
	if err := json.Unmarshal([]byte(raw), &install); err != nil {
		c.setSession(Session{})
		return apperrors.Wrap(err, apperrors.ErrCodeInjectionFailed, "decoding injection result")
	}
	if install.Version != ProviderVersion {
		c.setSession(Session{})
		return apperrors.New(apperrors.ErrCodeInjectionFailed, "provider version mismatch after injection").
			WithContext("got", install.Version).
			WithContext("want", ProviderVersion)
	}

	c.setSession(Session{Present: true, Version: install.Version})
	c.logger.Info(logging.CategoryCapability, "injected", "capability provider installed",
		map[string]any{"version": install.Version, "already": install.Already})
	return nil
}

func (c *Client) setSession(s Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Client) probe(ctx context.Context) (probeResult, error) {
	expr := fmt.Sprintf(
		`(() => { const c = window.%s; return JSON.stringify(c ? {present:true, version: c.version|0} : {present:false, version:0}); })()`,
		globalName)
	raw, err := c.evalString(ctx, expr)
	if err != nil {
		return probeResult{}, err
	}
	var probe probeResult
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return probeResult{}, apperrors.Wrap(err, apperrors.ErrCodeCapabilityFailed, "decoding liveness probe")
	}
	return probe, nil
}

// evalString evaluates an expression whose value is a JSON-encoded string
// and returns that string.
func (c *Client) evalString(ctx context.Context, expr string) (string, error) {
	raw, err := c.tr.Evaluate(ctx, expr, c.callTimeout)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeCapabilityFailed, "provider returned a non-string value")
	}
	return s, nil
}

// Invoke runs one named provider operation, decoding its JSON result into
// out when out is non-nil.
func (c *Client) Invoke(ctx context.Context, op Op, out any, args ...any) error {
	desc, ok := descriptors[op]
	if !ok {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "unknown capability operation").
			WithContext("op", string(op))
	}
	if len(args) != desc.ArgCount {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "wrong argument count for capability operation").
			WithContext("op", string(op)).
			WithContext("got", len(args)).
			WithContext("want", desc.ArgCount)
	}

	if err := c.Ensure(ctx); err != nil {
		return err
	}

	encoded := make([]string, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "marshaling operation argument").
				WithContext("op", string(op))
		}
		encoded = append(encoded, string(data))
	}

	expr := fmt.Sprintf("JSON.stringify(window.%s.%s(%s))", globalName, op, strings.Join(encoded, ","))
	raw, err := c.evalString(ctx, expr)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeCapabilityFailed, "decoding operation result").
			WithContext("op", string(op))
	}
	return nil
}

// statusErr converts a provider success/error payload into a typed error.
func statusErr(op Op, st opStatus) error {
	if st.Success {
		return nil
	}
	msg := st.Error
	if msg == "" {
		msg = "operation reported failure"
	}
	code := apperrors.ErrCodeCapabilityFailed
	if st.Code == "not_found" {
		code = apperrors.ErrCodeCapabilityNotFound
	}
	return apperrors.New(code, msg).WithContext("op", string(op))
}

// FindInput reports whether the chat input element exists.
func (c *Client) FindInput(ctx context.Context) (FindInputResult, error) {
	var res FindInputResult
	err := c.Invoke(ctx, OpFindInput, &res)
	return res, err
}

// FocusInput focuses the chat input.
func (c *Client) FocusInput(ctx context.Context) error {
	var st opStatus
	if err := c.Invoke(ctx, OpFocusInput, &st); err != nil {
		return err
	}
	return statusErr(OpFocusInput, st)
}

// GetInputText reads the chat input's current text.
func (c *Client) GetInputText(ctx context.Context) (string, error) {
	var text string
	err := c.Invoke(ctx, OpGetInputText, &text)
	return text, err
}

// IsSendVisible reports the idle indicator: the send control is visible
// only while the agent is not producing output.
func (c *Client) IsSendVisible(ctx context.Context) (bool, error) {
	var visible bool
	err := c.Invoke(ctx, OpIsSendVisible, &visible)
	return visible, err
}

// ClickSend clicks the send control.
func (c *Client) ClickSend(ctx context.Context) error {
	var st opStatus
	if err := c.Invoke(ctx, OpClickSend, &st); err != nil {
		return err
	}
	return statusErr(OpClickSend, st)
}

// GetLastBotText returns the newest agent message and the agent message
// count.
func (c *Client) GetLastBotText(ctx context.Context) (LastBotText, error) {
	var res LastBotText
	err := c.Invoke(ctx, OpGetLastBotText, &res)
	return res, err
}

// GetMessages returns the full conversation transcript.
func (c *Client) GetMessages(ctx context.Context) ([]Message, error) {
	var msgs []Message
	err := c.Invoke(ctx, OpGetMessages, &msgs)
	return msgs, err
}

// CheckError reports any error banner shown by the remote agent.
func (c *Client) CheckError(ctx context.Context) (ErrorCheck, error) {
	var res ErrorCheck
	err := c.Invoke(ctx, OpCheckError, &res)
	return res, err
}

// Diagnose returns the provider's raw diagnostic dump.
func (c *Client) Diagnose(ctx context.Context) (Diagnostics, error) {
	var diag json.RawMessage
	err := c.Invoke(ctx, OpDiagnose, &diag)
	return Diagnostics(diag), err
}

// DispatchKeyEvent injects a raw key event, bypassing the provider surface.
// Used for select-all/delete where scripted DOM mutation is unreliable.
func (c *Client) DispatchKeyEvent(ctx context.Context, ev devtools.KeyEvent) error {
	return c.tr.DispatchKeyEvent(ctx, ev, c.callTimeout)
}

// InsertText inserts text into the focused element via the native input
// path, bypassing the provider surface.
func (c *Client) InsertText(ctx context.Context, text string) error {
	return c.tr.InsertText(ctx, text, c.callTimeout)
}
