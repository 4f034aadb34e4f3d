package devtools

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/WintryWind7/Antigravity-Link/pkg/errors"
	"github.com/WintryWind7/Antigravity-Link/pkg/logging"
)

// Method names used against the debugging endpoint. These two plus the
// text-insertion variant are the entire protocol surface the bridge needs.
const (
	methodEvaluate         = "Runtime.evaluate"
	methodDispatchKeyEvent = "Input.dispatchKeyEvent"
	methodInsertText       = "Input.insertText"
)

// Modifier bit values for synthetic key events.
const (
	ModifierAlt   = 1
	ModifierCtrl  = 2
	ModifierMeta  = 4
	ModifierShift = 8
)

// KeyEvent is a synthetic keyboard event. Type is "keyDown", "keyUp" or
// "rawKeyDown".
type KeyEvent struct {
	Type      string `json:"type"`
	Key       string `json:"key,omitempty"`
	Code      string `json:"code,omitempty"`
	Modifiers int    `json:"modifiers,omitempty"`
}

type evaluateParams struct {
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
	AwaitPromise  bool   `json:"awaitPromise"`
}

type remoteObject struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

type exceptionDetails struct {
	Text      string `json:"text"`
	Exception *struct {
		Description string `json:"description"`
	} `json:"exception,omitempty"`
}

type evaluateResult struct {
	Result           remoteObject      `json:"result"`
	ExceptionDetails *exceptionDetails `json:"exceptionDetails,omitempty"`
}

// Evaluate runs an expression in the page and returns its JSON value.
// Promises are awaited; a thrown exception surfaces as an EVAL_EXCEPTION
// error carrying the page-side description.
func (c *Conn) Evaluate(ctx context.Context, expression string, timeout time.Duration) (json.RawMessage, error) {
	raw, err := c.Call(ctx, methodEvaluate, evaluateParams{
		Expression:    expression,
		ReturnByValue: true,
		AwaitPromise:  true,
	}, timeout)
	if err != nil {
		return nil, err
	}

	var result evaluateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeRPCPeer, "decoding evaluate result")
	}
	if result.ExceptionDetails != nil {
		desc := result.ExceptionDetails.Text
		if result.ExceptionDetails.Exception != nil && result.ExceptionDetails.Exception.Description != "" {
			desc = result.ExceptionDetails.Exception.Description
		}
		c.logger.Warn(logging.CategoryRPC, "eval_exception", desc, nil)
		return nil, apperrors.New(apperrors.ErrCodeEvalException, desc)
	}
	return result.Result.Value, nil
}

// DispatchKeyEvent injects one synthetic key event into the page.
func (c *Conn) DispatchKeyEvent(ctx context.Context, ev KeyEvent, timeout time.Duration) error {
	_, err := c.Call(ctx, methodDispatchKeyEvent, ev, timeout)
	return err
}

// InsertText inserts text into the focused element as if typed. Rich-text
// editors rebuild their internal state from input events, so this is more
// reliable than scripted DOM writes.
func (c *Conn) InsertText(ctx context.Context, text string, timeout time.Duration) error {
	_, err := c.Call(ctx, methodInsertText, map[string]string{"text": text}, timeout)
	return err
}
