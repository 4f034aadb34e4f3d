package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WintryWind7/Antigravity-Link/pkg/capability"
	"github.com/WintryWind7/Antigravity-Link/pkg/config"
	"github.com/WintryWind7/Antigravity-Link/pkg/devtools"
	apperrors "github.com/WintryWind7/Antigravity-Link/pkg/errors"
	"github.com/WintryWind7/Antigravity-Link/pkg/logging"
)

// fakeClock advances only when the orchestrator sleeps, so the polling
// loops run deterministically with no real waiting.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	return nil
}

func (c *fakeClock) sleepCount(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.slept {
		if s == d {
			n++
		}
	}
	return n
}

// fakeChat replays scripted responses. Sequenced fields repeat their last
// element once exhausted.
type fakeChat struct {
	mu sync.Mutex

	idleSeq []bool
	idleIdx int
	idleErr error

	clickErrs []error
	clickIdx  int

	lastSeq []capability.LastBotText
	lastIdx int

	errCheck  capability.ErrorCheck
	inputText string
	focusErr  error

	keys     []devtools.KeyEvent
	inserted []string
}

func (f *fakeChat) FocusInput(context.Context) error { return f.focusErr }

func (f *fakeChat) GetInputText(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inputText != "" {
		return f.inputText, nil
	}
	if len(f.inserted) > 0 {
		return f.inserted[len(f.inserted)-1], nil
	}
	return "", nil
}

func (f *fakeChat) IsSendVisible(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idleErr != nil {
		return false, f.idleErr
	}
	if len(f.idleSeq) == 0 {
		return false, nil
	}
	idle := f.idleSeq[min(f.idleIdx, len(f.idleSeq)-1)]
	f.idleIdx++
	return idle, nil
}

func (f *fakeChat) ClickSend(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clickErrs) == 0 {
		return nil
	}
	err := f.clickErrs[min(f.clickIdx, len(f.clickErrs)-1)]
	f.clickIdx++
	return err
}

func (f *fakeChat) clickCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clickIdx
}

func (f *fakeChat) GetLastBotText(context.Context) (capability.LastBotText, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lastSeq) == 0 {
		return capability.LastBotText{}, nil
	}
	last := f.lastSeq[min(f.lastIdx, len(f.lastSeq)-1)]
	f.lastIdx++
	return last, nil
}

func (f *fakeChat) CheckError(context.Context) (capability.ErrorCheck, error) {
	return f.errCheck, nil
}

func (f *fakeChat) DispatchKeyEvent(_ context.Context, ev devtools.KeyEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, ev)
	return nil
}

func (f *fakeChat) InsertText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, text)
	return nil
}

func testWait() config.WaitConfig {
	return config.WaitConfig{
		IdleTimeout:      30 * time.Second,
		IdlePollInterval: 1 * time.Second,
		ReplyTimeout:     60 * time.Second,
		ReplyPoll:        2 * time.Second,
		StartTimeout:     5 * time.Second,
		StartPoll:        500 * time.Millisecond,
		DebounceDelay:    1500 * time.Millisecond,
	}
}

func newTestOrchestrator(chat *fakeChat, clock *fakeClock) *Orchestrator {
	return New(chat, Options{
		Compose: config.ComposeConfig{
			SelectAllModifier: "ctrl",
			ClearSettle:       50 * time.Millisecond,
			InsertSettle:      100 * time.Millisecond,
			InterMessageDelay: 300 * time.Millisecond,
			SubmitRetries:     10,
			SubmitBackoff:     1 * time.Second,
		},
		Wait:  testWait(),
		Clock: clock,
	})
}

func TestSendHappyPath(t *testing.T) {
	chat := &fakeChat{
		// WaitForIdle sees idle; the agent goes busy after submission, then
		// settles idle through the debounce recheck.
		idleSeq: []bool{true, true, false, false, true, true},
		lastSeq: []capability.LastBotText{
			{Text: "old answer", Count: 1},
			{Text: "new answer", Count: 2},
		},
	}
	clock := newFakeClock()
	orch := newTestOrchestrator(chat, clock)

	result, err := orch.Send(context.Background(), "hello agent", 0)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Outcome.Status)
	assert.Equal(t, "new answer", result.Outcome.Reply)
	assert.True(t, result.Outcome.HasReply)
	assert.True(t, result.Compose.Verified)
	assert.Equal(t, "hello agent", result.Compose.Composed)

	// Clear sequence: Ctrl+A down/up then Delete down/up.
	require.Len(t, chat.keys, 4)
	assert.Equal(t, "a", chat.keys[0].Key)
	assert.Equal(t, devtools.ModifierCtrl, chat.keys[0].Modifiers)
	assert.Equal(t, "Delete", chat.keys[2].Key)

	require.Len(t, chat.inserted, 1)
	assert.Equal(t, "hello agent", chat.inserted[0])

	// The idle reading survived exactly one debounce delay, and the default
	// pause separated compose from submit.
	assert.Equal(t, 1, clock.sleepCount(1500*time.Millisecond))
	assert.Equal(t, 1, clock.sleepCount(300*time.Millisecond))
}

func TestComposeAndSubmitHonorsPerCallDelay(t *testing.T) {
	chat := &fakeChat{idleSeq: []bool{true}}
	clock := newFakeClock()
	orch := newTestOrchestrator(chat, clock)

	_, err := orch.ComposeAndSubmit(context.Background(), "msg", 450*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, 1, clock.sleepCount(450*time.Millisecond))
	assert.Equal(t, 0, clock.sleepCount(300*time.Millisecond))
}

func TestSendUsesMetaModifierWhenConfigured(t *testing.T) {
	chat := &fakeChat{idleSeq: []bool{true}}
	orch := New(chat, Options{
		Compose: config.ComposeConfig{SelectAllModifier: "meta"},
		Wait:    testWait(),
		Clock:   newFakeClock(),
	})

	_, err := orch.SetText(context.Background(), "hi")
	require.NoError(t, err)
	require.NotEmpty(t, chat.keys)
	assert.Equal(t, devtools.ModifierMeta, chat.keys[0].Modifiers)
}

func TestWaitForCompletionDebounceRejectsFlicker(t *testing.T) {
	chat := &fakeChat{
		// Start loop sees busy immediately. First idle reading flickers back
		// to busy at the debounce recheck; only the second one holds.
		idleSeq: []bool{false, true, false, true, true},
		lastSeq: []capability.LastBotText{
			{Text: "", Count: 0},
			{Text: "done", Count: 1},
		},
	}
	clock := newFakeClock()
	orch := newTestOrchestrator(chat, clock)

	outcome, err := orch.WaitForCompletion(context.Background(), 0, 0)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "done", outcome.Reply)
	// The flickered reading burned one debounce without reading the reply.
	assert.Equal(t, 2, clock.sleepCount(1500*time.Millisecond))
	assert.Equal(t, 2, chat.lastIdx)
}

func TestWaitForCompletionAcceptsReplyWithoutCountIncrease(t *testing.T) {
	dir := t.TempDir()
	logger, err := logging.NewLogger(dir, "fallback")
	require.NoError(t, err)

	chat := &fakeChat{
		idleSeq: []bool{false, true, true},
		// The thread rerendered in place: the newest reply replaced a node,
		// so the message count never rose past the baseline.
		lastSeq: []capability.LastBotText{
			{Text: "previous answer", Count: 3},
			{Text: "rendered in place", Count: 3},
		},
	}
	orch := New(chat, Options{Wait: testWait(), Clock: newFakeClock(), Logger: logger})

	outcome, err := orch.WaitForCompletion(context.Background(), 0, 0)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "rendered in place", outcome.Reply)
	assert.True(t, outcome.HasReply)

	require.NoError(t, logger.Close())
	data, err := os.ReadFile(filepath.Join(dir, "sessions", "fallback.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "stale_count")
}

func TestWaitForCompletionReportsErrorBanner(t *testing.T) {
	chat := &fakeChat{
		idleSeq:  []bool{false, true, true},
		lastSeq:  []capability.LastBotText{{Text: "", Count: 0}},
		errCheck: capability.ErrorCheck{HasError: true, ErrorText: "quota exceeded"},
	}
	orch := newTestOrchestrator(chat, newFakeClock())

	outcome, err := orch.WaitForCompletion(context.Background(), 0, 0)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, "quota exceeded", outcome.ErrorText)
	assert.False(t, outcome.HasReply)
}

func TestWaitForCompletionTimesOutWithPartialText(t *testing.T) {
	chat := &fakeChat{
		// Never idle: the agent streams past the deadline.
		idleSeq: []bool{false},
		lastSeq: []capability.LastBotText{
			{Text: "", Count: 0},
			{Text: "partial answer so far", Count: 1},
		},
	}
	clock := newFakeClock()
	orch := newTestOrchestrator(chat, clock)

	outcome, err := orch.WaitForCompletion(context.Background(), 10*time.Second, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, StatusTimedOut, outcome.Status)
	assert.True(t, outcome.HasReply)
	assert.Equal(t, "partial answer so far", outcome.Reply)
	assert.GreaterOrEqual(t, outcome.Elapsed, 10*time.Second)
}

func TestWaitForCompletionAbortsOnTransportError(t *testing.T) {
	chat := &fakeChat{
		idleErr: apperrors.New(apperrors.ErrCodeConnClosed, "connection closed"),
		lastSeq: []capability.LastBotText{{Text: "", Count: 0}},
	}
	orch := newTestOrchestrator(chat, newFakeClock())

	_, err := orch.WaitForCompletion(context.Background(), 0, 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsConnectionError(err))
}

func TestSubmitRetriesWhileControlMissing(t *testing.T) {
	notFound := apperrors.New(apperrors.ErrCodeCapabilityNotFound, "send control not found")
	chat := &fakeChat{
		idleSeq:   []bool{true},
		clickErrs: []error{notFound, notFound, nil},
	}
	clock := newFakeClock()
	orch := newTestOrchestrator(chat, clock)

	_, err := orch.ComposeAndSubmit(context.Background(), "msg", 0)
	require.NoError(t, err)

	assert.Equal(t, 3, chat.clickCount())
	assert.Equal(t, 2, clock.sleepCount(1*time.Second))
}

func TestSubmitFailsAfterRetriesExhausted(t *testing.T) {
	notFound := apperrors.New(apperrors.ErrCodeCapabilityNotFound, "send control not found")
	chat := &fakeChat{clickErrs: []error{notFound}}
	clock := newFakeClock()
	orch := New(chat, Options{
		Compose: config.ComposeConfig{SubmitRetries: 3, SubmitBackoff: 1 * time.Second},
		Wait:    testWait(),
		Clock:   clock,
	})

	err := orch.submit(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, 3, chat.clickCount())
	assert.Equal(t, 3, clock.sleepCount(1*time.Second))
}

func TestSubmitDoesNotRetryHardFailures(t *testing.T) {
	hard := apperrors.New(apperrors.ErrCodeCapabilityFailed, "send control disabled")
	chat := &fakeChat{clickErrs: []error{hard}}
	orch := newTestOrchestrator(chat, newFakeClock())

	err := orch.submit(context.Background())
	require.Error(t, err)
	assert.False(t, apperrors.IsNotFound(err))
	assert.Equal(t, 1, chat.clickCount())
}

func TestWaitForIdleTimesOut(t *testing.T) {
	chat := &fakeChat{idleSeq: []bool{false}}
	clock := newFakeClock()
	orch := newTestOrchestrator(chat, clock)

	err := orch.WaitForIdle(context.Background(), 5*time.Second)
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeout(err))
	// 1s polls inside a 5s window.
	assert.Equal(t, 5, clock.sleepCount(1*time.Second))
}

func TestWaitForIdleReturnsImmediatelyWhenIdle(t *testing.T) {
	chat := &fakeChat{idleSeq: []bool{true}}
	clock := newFakeClock()
	orch := newTestOrchestrator(chat, clock)

	require.NoError(t, orch.WaitForIdle(context.Background(), 0))
	assert.Empty(t, clock.slept)
}

func TestSetTextReportsReadBackMismatch(t *testing.T) {
	chat := &fakeChat{inputText: "normalized text"}
	orch := newTestOrchestrator(chat, newFakeClock())

	res, err := orch.SetText(context.Background(), "original  text")
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, "normalized text", res.Composed)
	assert.Equal(t, "original  text", res.Requested)
}

func TestSetTextAbortsOnFocusFailure(t *testing.T) {
	chat := &fakeChat{focusErr: apperrors.New(apperrors.ErrCodeCapabilityNotFound, "chat input not found")}
	orch := newTestOrchestrator(chat, newFakeClock())

	_, err := orch.SetText(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Empty(t, chat.inserted)
}

func TestPressEnterDispatchesKeyPair(t *testing.T) {
	chat := &fakeChat{}
	orch := newTestOrchestrator(chat, newFakeClock())

	require.NoError(t, orch.PressEnter(context.Background()))
	require.Len(t, chat.keys, 2)
	assert.Equal(t, "keyDown", chat.keys[0].Type)
	assert.Equal(t, "Enter", chat.keys[0].Key)
	assert.Equal(t, "keyUp", chat.keys[1].Type)
}

func TestPhaseTransitionsReported(t *testing.T) {
	chat := &fakeChat{
		idleSeq: []bool{true, false, true, true},
		lastSeq: []capability.LastBotText{
			{Text: "", Count: 0},
			{Text: "reply", Count: 1},
		},
	}
	var phases []Phase
	orch := New(chat, Options{
		Wait:    testWait(),
		Clock:   newFakeClock(),
		OnPhase: func(p Phase) { phases = append(phases, p) },
	})

	_, err := orch.Send(context.Background(), "hi", 0)
	require.NoError(t, err)

	assert.Equal(t, []Phase{
		PhaseWaitingIdle,
		PhaseComposing,
		PhaseSubmitting,
		PhaseAwaitingStart,
		PhaseAwaitingCompletion,
		PhaseDone,
	}, phases)
}
