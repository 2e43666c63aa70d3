package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"classtest/internal/store"
)

// Submit triggers.
const (
	TriggerStudent = "student"
	TriggerTimeout = "timeout"
)

const (
	DefaultAutoSaveInterval = 30 * time.Second
	DefaultTickInterval     = time.Second

	submitGraceTimeout = 15 * time.Second
)

// Controller orchestrates test-taking sessions against the record store.
// It owns the in-memory answer buffer, the auto-save loop and the session
// timer for every attempt that is live in this process. Identity always
// arrives as explicit arguments; the controller never reads ambient state.
type Controller struct {
	store            store.RecordStore
	autoSaveInterval time.Duration
	tickInterval     time.Duration
	now              func() time.Time

	mu     sync.Mutex
	active map[string]*activeSession
}

type ControllerConfig struct {
	AutoSaveInterval time.Duration
	TickInterval     time.Duration
}

// StartInput identifies one (student, test) attempt.
type StartInput struct {
	TestID      string
	ClassroomID string
	StudentID   string
	StudentName string
}

// SessionView is what the taking UI renders: the submission plus derived
// progress and timing. Terminal means the client must leave the taking
// view; no further answer mutation is possible.
type SessionView struct {
	Submission     Submission `json:"submission"`
	TestTitle      string     `json:"testTitle"`
	TotalQuestions int        `json:"totalQuestions"`
	Answered       int        `json:"answered"`
	RemainingSecs  int        `json:"remainingSecs"`
	Warning        bool       `json:"warning"`
	Resumed        bool       `json:"resumed"`
	Terminal       bool       `json:"terminal"`
}

type activeSession struct {
	mu      sync.Mutex
	test    Test
	sub     Submission
	answers map[string]any
	dirty   bool
	gen     int64 // bumped on every answer write, guards flush races
	done    bool

	timer       *Timer
	cancel      context.CancelFunc
	unsubscribe func()
}

// ownership reads the fields the pre-lock guards depend on. The submit
// replay path reassigns sess.sub wholesale under sess.mu, so these reads
// must hold it too.
func (sess *activeSession) ownership() (studentID string, startedAt time.Time, durationMinutes int) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.sub.StudentID, sess.sub.StartedAt, sess.test.Duration
}

func NewController(st store.RecordStore, cfg ControllerConfig) *Controller {
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = DefaultAutoSaveInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &Controller{
		store:            st,
		autoSaveInterval: cfg.AutoSaveInterval,
		tickInterval:     cfg.TickInterval,
		now:              time.Now,
		active:           make(map[string]*activeSession),
	}
}

// Start begins a new attempt, or resumes the existing one for the same
// (student, test) pair. Resuming a final submission yields a terminal
// view without touching it.
func (c *Controller) Start(ctx context.Context, in StartInput) (*SessionView, error) {
	var test Test
	if err := c.store.Get(ctx, CollectionTests, in.TestID, &test); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("load test: %w", err)
	}
	if err := test.Validate(); err != nil {
		return nil, fmt.Errorf("test %s failed validation: %w", test.ID, err)
	}

	var existing []Submission
	err := c.store.Query(ctx, CollectionSubmissions, []store.Filter{
		store.Eq("testId", in.TestID),
		store.Eq("studentId", in.StudentID),
	}, &existing)
	if err != nil {
		return nil, fmt.Errorf("query existing submission: %w", err)
	}

	if len(existing) > 0 {
		sub := existing[0]
		if sub.Final() {
			return c.terminalView(&test, &sub), nil
		}
		sess := c.attach(test, sub)
		view := c.viewOf(sess)
		view.Resumed = true
		return view, nil
	}

	if !test.IsActive {
		return nil, ErrTestInactive
	}

	sub := Submission{
		TestID:      test.ID,
		ClassroomID: in.ClassroomID,
		StudentID:   in.StudentID,
		StudentName: in.StudentName,
		Status:      StatusInProgress,
		Answers:     map[string]any{},
		StartedAt:   c.now().UTC(),
		MaxScore:    test.TotalMarks,
	}
	id, err := c.store.Create(ctx, CollectionSubmissions, sub)
	if err != nil {
		return nil, fmt.Errorf("create submission: %w", err)
	}
	sub.ID = id

	sess := c.attach(test, sub)
	return c.viewOf(sess), nil
}

// Get returns the current view of a session. An expired in_progress
// session is auto-submitted first, so the caller always observes a
// consistent status.
func (c *Controller) Get(ctx context.Context, submissionID, studentID string) (*SessionView, error) {
	sess, err := c.session(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		owner, startedAt, duration := sess.ownership()
		if owner != studentID {
			return nil, ErrSessionForbidden
		}
		if RemainingSeconds(startedAt, duration, c.now()) <= 0 {
			return c.Submit(ctx, submissionID, studentID, TriggerTimeout)
		}
		return c.viewOf(sess), nil
	}

	test, sub, err := c.load(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.StudentID != studentID {
		return nil, ErrSessionForbidden
	}
	return c.terminalView(test, sub), nil
}

// SaveAnswer records an answer in the in-memory buffer. It never blocks
// on the store; the auto-save loop flushes the buffer on its own cadence.
func (c *Controller) SaveAnswer(ctx context.Context, submissionID, studentID, questionID string, value any) error {
	sess, err := c.session(ctx, submissionID)
	if err != nil {
		return err
	}
	if sess == nil {
		// The record exists but is final: the taking view must redirect.
		return ErrSessionNotEditable
	}
	owner, startedAt, duration := sess.ownership()
	if owner != studentID {
		return ErrSessionForbidden
	}
	if RemainingSeconds(startedAt, duration, c.now()) <= 0 {
		go c.autoSubmit(sess)
		return ErrSessionNotEditable
	}
	if _, ok := sess.test.Question(questionID); !ok {
		return ErrQuestionNotInTest
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.done {
		return ErrSessionNotEditable
	}
	sess.answers[questionID] = value
	sess.dirty = true
	sess.gen++
	return nil
}

// Submit finalizes the session: scores the answers, seeds objective
// feedback and flips status to submitted. It is idempotent-guarded by
// re-reading the stored status at write time, so a stale timer firing
// after a manual submit is a logged no-op.
func (c *Controller) Submit(ctx context.Context, submissionID, studentID, trigger string) (*SessionView, error) {
	sess, err := c.session(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		test, sub, err := c.load(ctx, submissionID)
		if err != nil {
			return nil, err
		}
		if sub.StudentID != studentID {
			return nil, ErrSessionForbidden
		}
		log.Printf("session %s: submit (%s) ignored, status already %s", submissionID, trigger, sub.Status)
		return c.terminalView(test, sub), nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.sub.StudentID != studentID {
		return nil, ErrSessionForbidden
	}

	// Status at write time, not a client-side flag: another submit may
	// have won the race between the timer and the button.
	var current Submission
	if err := c.store.Get(ctx, CollectionSubmissions, submissionID, &current); err != nil {
		return nil, fmt.Errorf("%w: reload before submit: %v", ErrSubmitFailed, err)
	}
	if current.Final() {
		log.Printf("session %s: submit (%s) ignored, status already %s", submissionID, trigger, current.Status)
		sess.sub = current
		sess.done = true
		c.detach(sess)
		return c.terminalView(&sess.test, &current), nil
	}

	now := c.now().UTC()
	result := Score(sess.test.Questions, sess.answers)

	elapsed := int(now.Sub(sess.sub.StartedAt) / time.Second)
	total := sess.test.DurationSeconds()
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > total {
		elapsed = total
	}

	feedback := make(map[string]FeedbackEntry)
	for qid, qs := range result.PerQuestion {
		if !qs.AutoGradable {
			continue
		}
		feedback[qid] = FeedbackEntry{
			Score:     qs.Score,
			MaxScore:  qs.MaxScore,
			IsCorrect: qs.IsCorrect,
		}
	}

	fields := map[string]any{
		"answers":          sess.answers,
		"status":           StatusSubmitted,
		"submittedAt":      now,
		"timeSpent":        elapsed,
		"autoGradedScore":  result.AutoScore,
		"score":            result.AutoScore,
		"questionFeedback": feedback,
	}
	if err := c.store.Update(ctx, CollectionSubmissions, submissionID, fields); err != nil {
		// Surfaced: the in-memory answers stay intact so a retry loses
		// nothing.
		return nil, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}

	sess.sub.Answers = sess.answers
	sess.sub.Status = StatusSubmitted
	sess.sub.SubmittedAt = &now
	sess.sub.TimeSpent = elapsed
	sess.sub.AutoGradedScore = result.AutoScore
	sess.sub.Score = result.AutoScore
	sess.sub.QuestionFeedback = feedback
	sess.dirty = false
	sess.done = true
	c.detach(sess)

	log.Printf("session %s: submitted (%s), score %.1f/%d, time spent %ds",
		submissionID, trigger, result.AutoScore, sess.sub.MaxScore, elapsed)
	return c.terminalView(&sess.test, &sess.sub), nil
}

// Close flushes any buffered answers and tears down the session's timer
// and auto-save loop. The submission stays in_progress in the store; the
// student may resume later.
func (c *Controller) Close(ctx context.Context, submissionID, studentID string) error {
	c.mu.Lock()
	sess := c.active[submissionID]
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	owner, _, _ := sess.ownership()
	if owner != studentID {
		return ErrSessionForbidden
	}

	c.flush(ctx, sess)

	sess.mu.Lock()
	c.detach(sess)
	sess.mu.Unlock()
	return nil
}

// session returns the live session for the id, attaching a fresh runner
// when the stored submission is still in_progress (e.g. after a process
// restart). A nil session with a nil error means the submission exists
// but is final.
func (c *Controller) session(ctx context.Context, submissionID string) (*activeSession, error) {
	c.mu.Lock()
	sess, ok := c.active[submissionID]
	c.mu.Unlock()
	if ok {
		return sess, nil
	}

	test, sub, err := c.load(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Final() {
		return nil, nil
	}
	return c.attach(*test, *sub), nil
}

func (c *Controller) load(ctx context.Context, submissionID string) (*Test, *Submission, error) {
	var sub Submission
	if err := c.store.Get(ctx, CollectionSubmissions, submissionID, &sub); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, fmt.Errorf("load submission: %w", err)
	}
	var test Test
	if err := c.store.Get(ctx, CollectionTests, sub.TestID, &test); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrTestNotFound
		}
		return nil, nil, fmt.Errorf("load test: %w", err)
	}
	return &test, &sub, nil
}

// attach registers the session and starts its runner: the countdown
// timer, the auto-save loop and a subscription to the test record.
func (c *Controller) attach(test Test, sub Submission) *activeSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sess, ok := c.active[sub.ID]; ok {
		return sess
	}

	answers := make(map[string]any, len(sub.Answers))
	for k, v := range sub.Answers {
		answers[k] = v
	}

	sess := &activeSession{
		test:    test,
		sub:     sub,
		answers: answers,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	total := test.DurationSeconds()
	remaining := RemainingSeconds(sub.StartedAt, test.Duration, c.now())
	sess.timer = NewTimer(total, remaining, c.tickInterval, nil, func() {
		c.autoSubmit(sess)
	})

	// Track mid-session edits to the test record (e.g. a teacher fixing
	// a typo or flipping isActive). Attempt semantics never change: the
	// question set is immutable once attempts exist.
	unsub, err := c.store.Subscribe(ctx, CollectionTests, test.ID, func(doc json.RawMessage) {
		var updated Test
		if err := json.Unmarshal(doc, &updated); err != nil {
			log.Printf("session %s: decode test update: %v", sub.ID, err)
			return
		}
		sess.mu.Lock()
		sess.test.Title = updated.Title
		sess.test.Description = updated.Description
		sess.test.IsActive = updated.IsActive
		sess.mu.Unlock()
	})
	if err != nil {
		log.Printf("session %s: subscribe to test %s: %v", sub.ID, test.ID, err)
	} else {
		sess.unsubscribe = unsub
	}

	c.active[sub.ID] = sess

	go sess.timer.Run(ctx)
	go c.autoSaveLoop(ctx, sess)

	return sess
}

// detach removes the runner. Callers hold sess.mu or have exclusive
// access to the session.
func (c *Controller) detach(sess *activeSession) {
	if sess.cancel != nil {
		sess.cancel()
	}
	if sess.unsubscribe != nil {
		sess.unsubscribe()
		sess.unsubscribe = nil
	}
	c.mu.Lock()
	delete(c.active, sess.sub.ID)
	c.mu.Unlock()
}

func (c *Controller) autoSaveLoop(ctx context.Context, sess *activeSession) {
	ticker := time.NewTicker(c.autoSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flush(ctx, sess)
		}
	}
}

// flush writes the answer buffer to the store, answers only, never
// status. Failure is logged and left for the next tick; the student keeps
// answering regardless.
func (c *Controller) flush(ctx context.Context, sess *activeSession) {
	sess.mu.Lock()
	if !sess.dirty || sess.done {
		sess.mu.Unlock()
		return
	}
	gen := sess.gen
	snapshot := make(map[string]any, len(sess.answers))
	for k, v := range sess.answers {
		snapshot[k] = v
	}
	id := sess.sub.ID
	sess.mu.Unlock()

	err := c.store.Update(ctx, CollectionSubmissions, id, map[string]any{"answers": snapshot})
	if err != nil {
		log.Printf("session %s: auto-save failed, retrying next tick: %v", id, err)
		return
	}

	sess.mu.Lock()
	if sess.gen == gen {
		sess.dirty = false
	}
	sess.mu.Unlock()
}

// autoSubmit is the timeout path. The wall clock is re-checked so a stale
// or drifted timer can never cut a session short.
func (c *Controller) autoSubmit(sess *activeSession) {
	sess.mu.Lock()
	id := sess.sub.ID
	studentID := sess.sub.StudentID
	startedAt := sess.sub.StartedAt
	duration := sess.test.Duration
	done := sess.done
	sess.mu.Unlock()

	if done {
		return
	}
	if RemainingSeconds(startedAt, duration, c.now()) > 0 {
		log.Printf("session %s: timer fired early, wall clock still has time; ignoring", id)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitGraceTimeout)
	defer cancel()
	if _, err := c.Submit(ctx, id, studentID, TriggerTimeout); err != nil {
		log.Printf("session %s: auto-submit failed: %v", id, err)
	}
}

func (c *Controller) viewOf(sess *activeSession) *SessionView {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sub := sess.sub
	sub.Answers = make(map[string]any, len(sess.answers))
	for k, v := range sess.answers {
		sub.Answers[k] = v
	}

	remaining := RemainingSeconds(sub.StartedAt, sess.test.Duration, c.now())
	total := sess.test.DurationSeconds()

	return &SessionView{
		Submission:     sub,
		TestTitle:      sess.test.Title,
		TotalQuestions: len(sess.test.Questions),
		Answered:       countAnswered(sub.Answers),
		RemainingSecs:  remaining,
		Warning:        total > 0 && remaining <= total/warningFraction,
		Terminal:       sub.Final(),
	}
}

func (c *Controller) terminalView(test *Test, sub *Submission) *SessionView {
	return &SessionView{
		Submission:     *sub,
		TestTitle:      test.Title,
		TotalQuestions: len(test.Questions),
		Answered:       countAnswered(sub.Answers),
		RemainingSecs:  0,
		Terminal:       true,
	}
}

func countAnswered(answers map[string]any) int {
	n := 0
	for _, v := range answers {
		switch t := v.(type) {
		case string:
			if t != "" {
				n++
			}
		case nil:
		default:
			n++
		}
	}
	return n
}
