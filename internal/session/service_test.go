package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"classtest/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyStore fails a configured number of Update calls before recovering.
type flakyStore struct {
	store.RecordStore
	mu          sync.Mutex
	failUpdates int
}

func (f *flakyStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	f.mu.Lock()
	if f.failUpdates > 0 {
		f.failUpdates--
		f.mu.Unlock()
		return errors.New("store offline")
	}
	f.mu.Unlock()
	return f.RecordStore.Update(ctx, collection, id, fields)
}

func seedGeographyTest(t *testing.T, st store.RecordStore) Test {
	t.Helper()
	test := Test{
		ID:          "t1",
		ClassroomID: "c1",
		Title:       "Geography quiz",
		Duration:    30,
		TotalMarks:  5,
		IsActive:    true,
		Questions: []Question{
			{ID: "q-mcq", Type: TypeMCQ, Marks: 2, Order: 0, Options: []string{"A", "B"}, CorrectAnswer: "A"},
			{ID: "q-fill", Type: TypeFill, Marks: 3, Order: 1, CorrectAnswer: "Paris"},
		},
	}
	if _, err := st.Create(context.Background(), CollectionTests, test); err != nil {
		t.Fatalf("seed test: %v", err)
	}
	return test
}

func newTestController(st store.RecordStore, clock *fakeClock) *Controller {
	c := NewController(st, ControllerConfig{
		// Long intervals keep background loops quiet unless a test
		// shortens them on purpose.
		AutoSaveInterval: time.Hour,
		TickInterval:     time.Hour,
	})
	c.now = clock.Now
	return c
}

func studentStart(t *testing.T, c *Controller) *SessionView {
	t.Helper()
	view, err := c.Start(context.Background(), StartInput{
		TestID:      "t1",
		ClassroomID: "c1",
		StudentID:   "s1",
		StudentName: "Dana",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return view
}

func TestStartCreatesSubmission(t *testing.T) {
	st := store.NewMemStore()
	clock := &fakeClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	seedGeographyTest(t, st)
	c := newTestController(st, clock)

	view := studentStart(t, c)
	sub := view.Submission

	if sub.Status != StatusInProgress {
		t.Fatalf("expected in_progress, got %s", sub.Status)
	}
	if sub.MaxScore != 5 {
		t.Fatalf("maxScore must snapshot totalMarks, got %d", sub.MaxScore)
	}
	if !sub.StartedAt.Equal(clock.Now()) {
		t.Fatalf("startedAt not set from clock: %v", sub.StartedAt)
	}
	if view.RemainingSecs != 30*60 {
		t.Fatalf("expected full duration remaining, got %d", view.RemainingSecs)
	}
	if view.Resumed || view.Terminal {
		t.Fatalf("fresh session must not be resumed or terminal")
	}

	var stored Submission
	if err := st.Get(context.Background(), CollectionSubmissions, sub.ID, &stored); err != nil {
		t.Fatalf("submission not persisted: %v", err)
	}
}

func TestStartResumesAfterGap(t *testing.T) {
	st := store.NewMemStore()
	clock := &fakeClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	seedGeographyTest(t, st)
	c := newTestController(st, clock)

	first := studentStart(t, c)
	if err := c.SaveAnswer(context.Background(), first.Submission.ID, "s1", "q-mcq", "A"); err != nil {
		t.Fatalf("save answer: %v", err)
	}
	if err := c.Close(context.Background(), first.Submission.ID, "s1"); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a reload ten minutes later.
	clock.Advance(10 * time.Minute)
	second := studentStart(t, c)

	if !second.Resumed {
		t.Fatalf("expected resume, got a fresh session")
	}
	if second.Submission.ID != first.Submission.ID {
		t.Fatalf("resume must reuse the submission, got %s and %s", first.Submission.ID, second.Submission.ID)
	}
	want := 30*60 - 600
	if second.RemainingSecs < want-1 || second.RemainingSecs > want+1 {
		t.Fatalf("expected ~%d secs remaining, got %d", want, second.RemainingSecs)
	}
	if second.Submission.Answers["q-mcq"] != "A" {
		t.Fatalf("buffered answer lost across close/resume: %v", second.Submission.Answers)
	}
}

func TestStartResumeIgnoresInactiveGate(t *testing.T) {
	st := store.NewMemStore()
	clock := &fakeClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	seedGeographyTest(t, st)
	c := newTestController(st, clock)

	first := studentStart(t, c)
	if err := c.Close(context.Background(), first.Submission.ID, "s1"); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Deactivation blocks new attempts, not resumption of running ones.
	if err := st.Update(context.Background(), CollectionTests, "t1", map[string]any{"isActive": false}); err != nil {
		t.Fatalf("deactivate test: %v", err)
	}

	second := studentStart(t, c)
	if !second.Resumed {
		t.Fatalf("expected resume despite inactive test")
	}

	_, err := c.Start(context.Background(), StartInput{TestID: "t1", ClassroomID: "c1", StudentID: "s2", StudentName: "Eli"})
	if !errors.Is(err, ErrTestInactive) {
		t.Fatalf("expected ErrTestInactive for a new student, got %v", err)
	}
}

func TestSaveAnswerGuards(t *testing.T) {
	st := store.NewMemStore()
	clock := &fakeClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	seedGeographyTest(t, st)
	c := newTestController(st, clock)

	view := studentStart(t, c)
	id := view.Submission.ID

	if err := c.SaveAnswer(context.Background(), id, "s1", "q-unknown", "A"); !errors.Is(err, ErrQuestionNotInTest) {
		t.Fatalf("expected ErrQuestionNotInTest, got %v", err)
	}
	if err := c.SaveAnswer(context.Background(), id, "intruder", "q-mcq", "A"); !errors.Is(err, ErrSessionForbidden) {
		t.Fatalf("expected ErrSessionForbidden, got %v", err)
	}

	if _, err := c.Submit(context.Background(), id, "s1", TriggerStudent); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.SaveAnswer(context.Background(), id, "s1", "q-mcq", "B"); !errors.Is(err, ErrSessionNotEditable) {
		t.Fatalf("expected ErrSessionNotEditable after submit, got %v", err)
	}
}

func TestAutoSaveRetriesAfterFailure(t *testing.T) {
	mem := store.NewMemStore()
	st := &flakyStore{RecordStore: mem, failUpdates: 1}
	clock := &fakeClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	seedGeographyTest(t, mem)

	c := NewController(st, ControllerConfig{
		AutoSaveInterval: 10 * time.Millisecond,
		TickInterval:     time.Hour,
	})
	c.now = clock.Now

	view, err := c.Start(context.Background(), StartInput{TestID: "t1", ClassroomID: "c1", StudentID: "s1", StudentName: "Dana"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	id := view.Submission.ID

	if err := c.SaveAnswer(context.Background(), id, "s1", "q-fill", "Paris"); err != nil {
		t.Fatalf("save answer: %v", err)
	}

	// First flush fails, the next tick retries. Poll the store.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var stored Submission
		if err := mem.Get(context.Background(), CollectionSubmissions, id, &stored); err == nil {
			if stored.Answers["q-fill"] == "Paris" {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("auto-save never persisted the answer")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitScoresAndSeedsFeedback(t *testing.T) {
	st := store.NewMemStore()
	clock := &fakeClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	seedGeographyTest(t, st)
	c := newTestController(st, clock)

	view := studentStart(t, c)
	id := view.Submission.ID
	ctx := context.Background()

	if err := c.SaveAnswer(ctx, id, "s1", "q-mcq", "A"); err != nil {
		t.Fatalf("save mcq: %v", err)
	}
	if err := c.SaveAnswer(ctx, id, "s1", "q-fill", "paris "); err != nil {
		t.Fatalf("save fill: %v", err)
	}

	clock.Advance(12 * time.Minute)
	result, err := c.Submit(ctx, id, "s1", TriggerStudent)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	sub := result.Submission
	if sub.Status != StatusSubmitted {
		t.Fatalf("expected submitted, got %s", sub.Status)
	}
	if sub.AutoGradedScore != 5 || sub.Score != 5 || sub.MaxScore != 5 {
		t.Fatalf("expected 5/5, got auto=%v score=%v max=%d", sub.AutoGradedScore, sub.Score, sub.MaxScore)
	}
	if sub.TimeSpent != 12*60 {
		t.Fatalf("expected 720s spent, got %d", sub.TimeSpent)
	}
	if sub.SubmittedAt == nil || !sub.SubmittedAt.Equal(clock.Now()) {
		t.Fatalf("submittedAt not set: %v", sub.SubmittedAt)
	}

	// Objective questions get their feedback seeded at submit time.
	if len(sub.QuestionFeedback) != 2 {
		t.Fatalf("expected 2 seeded feedback entries, got %d", len(sub.QuestionFeedback))
	}
	if f := sub.QuestionFeedback["q-fill"]; f.Score != 3 || !f.IsCorrect || f.MaxScore != 3 {
		t.Fatalf("unexpected fill feedback: %+v", f)
	}

	var stored Submission
	if err := st.Get(ctx, CollectionSubmissions, id, &stored); err != nil {
		t.Fatalf("load stored: %v", err)
	}
	if stored.Status != StatusSubmitted || stored.Score != 5 {
		t.Fatalf("stored submission mismatch: status=%s score=%v", stored.Status, stored.Score)
	}
}

func TestSubmitTwiceIsNoOp(t *testing.T) {
	st := store.NewMemStore()
	clock := &fakeClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	seedGeographyTest(t, st)
	c := newTestController(st, clock)

	view := studentStart(t, c)
	id := view.Submission.ID
	ctx := context.Background()

	if err := c.SaveAnswer(ctx, id, "s1", "q-mcq", "A"); err != nil {
		t.Fatalf("save answer: %v", err)
	}

	clock.Advance(time.Minute)
	first, err := c.Submit(ctx, id, "s1", TriggerStudent)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	// A stale timer firing after the button won must change nothing.
	clock.Advance(time.Minute)
	second, err := c.Submit(ctx, id, "s1", TriggerTimeout)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}

	if !second.Terminal {
		t.Fatalf("replayed submit must yield a terminal view")
	}
	if !second.Submission.SubmittedAt.Equal(*first.Submission.SubmittedAt) {
		t.Fatalf("submittedAt changed on replay: %v vs %v", first.Submission.SubmittedAt, second.Submission.SubmittedAt)
	}
	if second.Submission.TimeSpent != first.Submission.TimeSpent {
		t.Fatalf("timeSpent changed on replay")
	}
}

func TestTimeoutSubmitClampsTimeSpent(t *testing.T) {
	st := store.NewMemStore()
	clock := &fakeClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	seedGeographyTest(t, st)
	c := newTestController(st, clock)

	view := studentStart(t, c)
	id := view.Submission.ID
	ctx := context.Background()

	if err := c.SaveAnswer(ctx, id, "s1", "q-mcq", "B"); err != nil {
		t.Fatalf("save answer: %v", err)
	}

	// Well past the deadline; the read path finds the expired session
	// and auto-submits before answering.
	clock.Advance(45 * time.Minute)
	result, err := c.Get(ctx, id, "s1")
	if err != nil {
		t.Fatalf("get after expiry: %v", err)
	}

	sub := result.Submission
	if sub.Status != StatusSubmitted {
		t.Fatalf("expected auto-submitted, got %s", sub.Status)
	}
	if sub.Score != 0 {
		t.Fatalf("wrong answer should score 0, got %v", sub.Score)
	}
	if sub.TimeSpent != 30*60 {
		t.Fatalf("timeSpent must clamp to the full duration, got %d", sub.TimeSpent)
	}
}

func TestConcurrentSubmitAndSessionReads(t *testing.T) {
	st := store.NewMemStore()
	clock := &fakeClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	seedGeographyTest(t, st)
	c := newTestController(st, clock)

	view := studentStart(t, c)
	id := view.Submission.ID
	ctx := context.Background()

	if err := c.SaveAnswer(ctx, id, "s1", "q-mcq", "A"); err != nil {
		t.Fatalf("save answer: %v", err)
	}

	// Readers and writers race two submits; after a submit wins, reads
	// see the terminal view and saves are refused, never a torn state.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := c.Get(ctx, id, "s1"); err != nil {
					t.Errorf("get: %v", err)
					return
				}
				err := c.SaveAnswer(ctx, id, "s1", "q-fill", "Paris")
				if err != nil && !errors.Is(err, ErrSessionNotEditable) {
					t.Errorf("save: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Submit(ctx, id, "s1", TriggerStudent); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()

	var stored Submission
	if err := st.Get(ctx, CollectionSubmissions, id, &stored); err != nil {
		t.Fatalf("load stored: %v", err)
	}
	if stored.Status != StatusSubmitted {
		t.Fatalf("expected submitted, got %s", stored.Status)
	}
	if stored.SubmittedAt == nil {
		t.Fatalf("submittedAt not set")
	}
}

func TestSubmitFailureIsSurfacedAndRetryable(t *testing.T) {
	mem := store.NewMemStore()
	clock := &fakeClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	seedGeographyTest(t, mem)
	st := &flakyStore{RecordStore: mem}
	c := newTestController(st, clock)

	view := studentStart(t, c)
	id := view.Submission.ID
	ctx := context.Background()

	if err := c.SaveAnswer(ctx, id, "s1", "q-fill", "Paris"); err != nil {
		t.Fatalf("save answer: %v", err)
	}

	st.mu.Lock()
	st.failUpdates = 1
	st.mu.Unlock()

	if _, err := c.Submit(ctx, id, "s1", TriggerStudent); !errors.Is(err, ErrSubmitFailed) {
		t.Fatalf("expected ErrSubmitFailed, got %v", err)
	}

	// Retry must succeed with nothing lost.
	result, err := c.Submit(ctx, id, "s1", TriggerStudent)
	if err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	if result.Submission.Score != 3 {
		t.Fatalf("expected 3 marks after retry, got %v", result.Submission.Score)
	}
}
