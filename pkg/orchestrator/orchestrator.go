// Package orchestrator sequences a full message exchange with the remote
// agent: wait for idle, compose and submit, then poll for the reply. The
// page exposes no completion event, so every phase is built on polling the
// send-control visibility indicator.
package orchestrator

import (
	"context"
	"time"

	"github.com/WintryWind7/Antigravity-Link/pkg/capability"
	"github.com/WintryWind7/Antigravity-Link/pkg/config"
	"github.com/WintryWind7/Antigravity-Link/pkg/devtools"
	apperrors "github.com/WintryWind7/Antigravity-Link/pkg/errors"
	"github.com/WintryWind7/Antigravity-Link/pkg/logging"
)

// Chat is the page surface the orchestrator drives. *capability.Client
// satisfies it.
type Chat interface {
	FocusInput(ctx context.Context) error
	GetInputText(ctx context.Context) (string, error)
	IsSendVisible(ctx context.Context) (bool, error)
	ClickSend(ctx context.Context) error
	GetLastBotText(ctx context.Context) (capability.LastBotText, error)
	CheckError(ctx context.Context) (capability.ErrorCheck, error)
	DispatchKeyEvent(ctx context.Context, ev devtools.KeyEvent) error
	InsertText(ctx context.Context, text string) error
}

// Phase names the orchestrator's position inside a send, surfaced on the
// event stream so observers can follow a long exchange.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseWaitingIdle        Phase = "waiting_idle"
	PhaseComposing          Phase = "composing"
	PhaseSubmitting         Phase = "submitting"
	PhaseAwaitingStart      Phase = "awaiting_start"
	PhaseAwaitingCompletion Phase = "awaiting_completion"
	PhaseDone               Phase = "done"
)

// Status is the terminal classification of a completion wait.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Outcome is the result of waiting for a reply. On StatusTimedOut, Reply
// carries whatever partial text was visible when the deadline hit.
type Outcome struct {
	Status    Status        `json:"status"`
	Reply     string        `json:"reply,omitempty"`
	HasReply  bool          `json:"has_reply"`
	ErrorText string        `json:"error_text,omitempty"`
	Elapsed   time.Duration `json:"-"`
}

// ComposeResult reports what actually ended up in the input box. Verified
// is false when the read-back differed from the requested text; the
// submission proceeds anyway, since rich-text editors normalize whitespace.
type ComposeResult struct {
	Requested string `json:"requested"`
	Composed  string `json:"composed"`
	Verified  bool   `json:"verified"`
}

// SendResult bundles the compose and completion halves of a full send.
type SendResult struct {
	Compose ComposeResult `json:"compose"`
	Outcome Outcome       `json:"outcome"`
}

// Options configures an Orchestrator. Zero-value durations fall back to the
// package defaults from config.
type Options struct {
	Compose config.ComposeConfig
	Wait    config.WaitConfig
	Clock   Clock
	Logger  *logging.Logger
	// OnPhase, when set, is invoked on every phase transition. Calls are
	// serialized with the send itself.
	OnPhase func(Phase)
}

// Orchestrator runs message exchanges against one chat surface. It holds no
// conversational state between calls; concurrent sends must be serialized
// by the caller.
type Orchestrator struct {
	chat    Chat
	compose config.ComposeConfig
	wait    config.WaitConfig
	clock   Clock
	logger  *logging.Logger
	onPhase func(Phase)
}

// New builds an Orchestrator around a chat surface.
func New(chat Chat, opts Options) *Orchestrator {
	c := opts.Compose
	if c.SelectAllModifier == "" {
		c.SelectAllModifier = config.DefaultSelectAllMod
	}
	if c.ClearSettle <= 0 {
		c.ClearSettle = config.DefaultClearSettle
	}
	if c.InsertSettle <= 0 {
		c.InsertSettle = config.DefaultInsertSettle
	}
	if c.InterMessageDelay <= 0 {
		c.InterMessageDelay = config.DefaultInterMessage
	}
	if c.SubmitRetries < 1 {
		c.SubmitRetries = config.DefaultSubmitRetries
	}
	if c.SubmitBackoff <= 0 {
		c.SubmitBackoff = config.DefaultSubmitBackoff
	}

	w := opts.Wait
	if w.IdleTimeout <= 0 {
		w.IdleTimeout = config.DefaultIdleTimeout
	}
	if w.IdlePollInterval <= 0 {
		w.IdlePollInterval = config.DefaultIdlePollInterval
	}
	if w.ReplyTimeout <= 0 {
		w.ReplyTimeout = config.DefaultReplyTimeout
	}
	if w.ReplyPoll <= 0 {
		w.ReplyPoll = config.DefaultReplyPoll
	}
	if w.StartTimeout <= 0 {
		w.StartTimeout = config.DefaultStartTimeout
	}
	if w.StartPoll <= 0 {
		w.StartPoll = config.DefaultStartPoll
	}
	if w.DebounceDelay < 0 {
		w.DebounceDelay = config.DefaultDebounceDelay
	}

	clock := opts.Clock
	if clock == nil {
		clock = WallClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		chat:    chat,
		compose: c,
		wait:    w,
		clock:   clock,
		logger:  logger,
		onPhase: opts.OnPhase,
	}
}

func (o *Orchestrator) phase(p Phase) {
	if o.onPhase != nil {
		o.onPhase(p)
	}
}

// WaitForIdle polls the send-control indicator until the agent is idle or
// the timeout elapses. A zero timeout uses the configured default.
func (o *Orchestrator) WaitForIdle(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = o.wait.IdleTimeout
	}
	o.phase(PhaseWaitingIdle)
	start := o.clock.Now()
	for {
		idle, err := o.chat.IsSendVisible(ctx)
		if err != nil {
			return err
		}
		if idle {
			return nil
		}
		if o.clock.Now().Sub(start) >= timeout {
			return apperrors.New(apperrors.ErrCodeRPCTimeout, "agent did not become idle").
				WithContext("timeout", timeout.String()).
				WithRetryable(true)
		}
		if err := o.clock.Sleep(ctx, o.wait.IdlePollInterval); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeRPCTimeout, "idle wait canceled")
		}
	}
}

// selectAllModifier maps the configured modifier name to its key-event bit.
func (o *Orchestrator) selectAllModifier() int {
	if o.compose.SelectAllModifier == "meta" {
		return devtools.ModifierMeta
	}
	return devtools.ModifierCtrl
}

func (o *Orchestrator) keyCombo(ctx context.Context, key, code string, modifiers int) error {
	down := devtools.KeyEvent{Type: "keyDown", Key: key, Code: code, Modifiers: modifiers}
	up := devtools.KeyEvent{Type: "keyUp", Key: key, Code: code, Modifiers: modifiers}
	if err := o.chat.DispatchKeyEvent(ctx, down); err != nil {
		return err
	}
	return o.chat.DispatchKeyEvent(ctx, up)
}

// clearInput selects everything in the focused editor and deletes it. Key
// events go through the native input path because scripted DOM clears leave
// rich-text editors with stale internal state.
func (o *Orchestrator) clearInput(ctx context.Context) error {
	if err := o.keyCombo(ctx, "a", "KeyA", o.selectAllModifier()); err != nil {
		return err
	}
	return o.keyCombo(ctx, "Delete", "Delete", 0)
}

// SetText replaces the input box content with text and reads it back.
// Focus failure aborts; a read-back mismatch does not, it is only reported.
func (o *Orchestrator) SetText(ctx context.Context, text string) (ComposeResult, error) {
	o.phase(PhaseComposing)
	res := ComposeResult{Requested: text}

	if err := o.chat.FocusInput(ctx); err != nil {
		return res, err
	}
	if err := o.clearInput(ctx); err != nil {
		return res, err
	}
	if err := o.clock.Sleep(ctx, o.compose.ClearSettle); err != nil {
		return res, err
	}

	// Refocus after the clear; Delete can collapse the editor and drop focus.
	if err := o.chat.FocusInput(ctx); err != nil {
		return res, err
	}
	if err := o.chat.InsertText(ctx, text); err != nil {
		return res, err
	}
	if err := o.clock.Sleep(ctx, o.compose.InsertSettle); err != nil {
		return res, err
	}

	got, err := o.chat.GetInputText(ctx)
	if err != nil {
		return res, err
	}
	res.Composed = got
	res.Verified = got == text
	if !res.Verified {
		o.logger.Warn(logging.CategoryOrchestrator, "compose_mismatch",
			"input read-back differs from requested text",
			map[string]any{"requested_len": len(text), "composed_len": len(got)})
	}
	return res, nil
}

// submit clicks the send control, retrying while the control is missing.
// The control disappears briefly during editor re-layout, so a not-found is
// retried with backoff; any other failure is terminal.
func (o *Orchestrator) submit(ctx context.Context) error {
	o.phase(PhaseSubmitting)
	var lastErr error
	for attempt := 1; attempt <= o.compose.SubmitRetries; attempt++ {
		err := o.chat.ClickSend(ctx)
		if err == nil {
			if attempt > 1 {
				o.logger.Info(logging.CategoryOrchestrator, "submit_retried",
					"send control clicked after retries",
					map[string]any{"attempts": attempt})
			}
			metricSubmitAttempts.Observe(float64(attempt))
			return nil
		}
		if !apperrors.IsNotFound(err) {
			return err
		}
		lastErr = err
		if serr := o.clock.Sleep(ctx, o.compose.SubmitBackoff); serr != nil {
			return apperrors.Wrap(serr, apperrors.ErrCodeCapabilityNotFound, "submit canceled while retrying")
		}
	}
	metricSubmitAttempts.Observe(float64(o.compose.SubmitRetries))
	return apperrors.Wrap(lastErr, apperrors.ErrCodeCapabilityNotFound, "send control never appeared").
		WithContext("attempts", o.compose.SubmitRetries)
}

// ComposeAndSubmit sets the input text, pauses so rapid successive messages
// do not interleave, then submits. A non-positive interMessageDelay uses the
// configured default.
func (o *Orchestrator) ComposeAndSubmit(ctx context.Context, text string, interMessageDelay time.Duration) (ComposeResult, error) {
	if interMessageDelay <= 0 {
		interMessageDelay = o.compose.InterMessageDelay
	}
	res, err := o.SetText(ctx, text)
	if err != nil {
		return res, err
	}
	if err := o.clock.Sleep(ctx, interMessageDelay); err != nil {
		return res, err
	}
	if err := o.submit(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// PressEnter submits via the keyboard instead of the send control.
func (o *Orchestrator) PressEnter(ctx context.Context) error {
	return o.keyCombo(ctx, "Enter", "Enter", 0)
}

// WaitForCompletion polls until the agent finishes replying. The baseline
// message count is captured first so a pre-existing reply is never mistaken
// for the new one. Zero timeout or poll use the configured defaults.
//
// An idle indicator alone is not trusted: it flickers while the agent
// streams, so idleness must survive a debounce recheck before the reply is
// read. Transport and capability errors abort immediately; there is no
// retry at this layer.
func (o *Orchestrator) WaitForCompletion(ctx context.Context, timeout, poll time.Duration) (Outcome, error) {
	if timeout <= 0 {
		timeout = o.wait.ReplyTimeout
	}
	if poll <= 0 {
		poll = o.wait.ReplyPoll
	}
	start := o.clock.Now()

	baseline, err := o.chat.GetLastBotText(ctx)
	if err != nil {
		return Outcome{}, err
	}

	// Give the agent a moment to visibly start. This window is soft: if the
	// indicator never goes busy (the reply may already be done, or the page
	// may not flip it for trivial answers), fall through to completion
	// polling rather than failing.
	o.phase(PhaseAwaitingStart)
	startDeadline := start.Add(o.wait.StartTimeout)
	for o.clock.Now().Before(startDeadline) {
		idle, err := o.chat.IsSendVisible(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if !idle {
			break
		}
		if err := o.clock.Sleep(ctx, o.wait.StartPoll); err != nil {
			return Outcome{}, err
		}
	}

	o.phase(PhaseAwaitingCompletion)
	for {
		if o.clock.Now().Sub(start) >= timeout {
			return o.timedOut(ctx, start), nil
		}
		if err := o.clock.Sleep(ctx, poll); err != nil {
			return Outcome{}, err
		}

		idle, err := o.chat.IsSendVisible(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if !idle {
			continue
		}

		// Debounce: the indicator flickers mid-stream. Only an idle reading
		// that holds across the delay counts.
		if err := o.clock.Sleep(ctx, o.wait.DebounceDelay); err != nil {
			return Outcome{}, err
		}
		idle, err = o.chat.IsSendVisible(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if !idle {
			continue
		}

		check, err := o.chat.CheckError(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if check.HasError {
			o.phase(PhaseDone)
			return Outcome{
				Status:    StatusFailed,
				ErrorText: check.ErrorText,
				Elapsed:   o.clock.Now().Sub(start),
			}, nil
		}

		last, err := o.chat.GetLastBotText(ctx)
		if err != nil {
			return Outcome{}, err
		}
		// A new message with text is the normal completion. Text alone also
		// counts: the count can miss when the page rerenders the thread and
		// the newest reply replaces a node instead of appending one. That
		// means a stale reply can be returned if the agent produced nothing.
		if last.Text != "" {
			if last.Count <= baseline.Count {
				o.logger.Warn(logging.CategoryOrchestrator, "stale_count",
					"reply accepted without a message-count increase",
					map[string]any{"count": last.Count, "baseline": baseline.Count})
			}
			o.phase(PhaseDone)
			return Outcome{
				Status:   StatusCompleted,
				Reply:    last.Text,
				HasReply: true,
				Elapsed:  o.clock.Now().Sub(start),
			}, nil
		}
	}
}

// timedOut builds the timeout outcome, grabbing whatever partial reply text
// is visible on a best-effort basis.
func (o *Orchestrator) timedOut(ctx context.Context, start time.Time) Outcome {
	o.phase(PhaseDone)
	out := Outcome{
		Status:  StatusTimedOut,
		Elapsed: o.clock.Now().Sub(start),
	}
	if last, err := o.chat.GetLastBotText(ctx); err == nil && last.Text != "" {
		out.Reply = last.Text
		out.HasReply = true
	}
	return out
}

// Send runs the full exchange: wait for idle, compose and submit, wait for
// the reply. interMessageDelay overrides the configured pause between
// composing and submitting; zero keeps the default.
func (o *Orchestrator) Send(ctx context.Context, text string, interMessageDelay time.Duration) (SendResult, error) {
	started := o.clock.Now()
	var res SendResult

	if err := o.WaitForIdle(ctx, 0); err != nil {
		metricSendsTotal.WithLabelValues("error").Inc()
		return res, err
	}
	compose, err := o.ComposeAndSubmit(ctx, text, interMessageDelay)
	res.Compose = compose
	if err != nil {
		metricSendsTotal.WithLabelValues("error").Inc()
		return res, err
	}
	outcome, err := o.WaitForCompletion(ctx, 0, 0)
	if err != nil {
		metricSendsTotal.WithLabelValues("error").Inc()
		return res, err
	}
	res.Outcome = outcome
	metricSendsTotal.WithLabelValues(string(outcome.Status)).Inc()
	metricSendDuration.Observe(o.clock.Now().Sub(started).Seconds())
	return res, nil
}
