package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeThread struct {
	calls   atomic.Int32
	err     error
	block   bool
	lastCtx map[string]any
	mu      sync.Mutex
}

func (f *fakeThread) Process(ctx context.Context, userID, message string, msgCtx map[string]any) (ThreadResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastCtx = msgCtx
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return ThreadResult{}, ctx.Err()
	}
	if f.err != nil {
		return ThreadResult{}, f.err
	}
	return ThreadResult{
		CurrentThreadID: "thread-" + userID,
		AnalysisSummary: "summary of " + message,
	}, nil
}

func (f *fakeThread) seen() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCtx
}

type fakeEmotion struct {
	calls atomic.Int32
}

func (f *fakeEmotion) Analyze(ctx context.Context, message, userID string) (EmotionResult, error) {
	f.calls.Add(1)
	return EmotionResult{PrimaryEmotion: "joy", Intensity: 0.8, Confidence: 0.9}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	results []Result
}

func (s *recordingSink) PublishResult(ctx context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

type recordingArchive struct {
	mu       sync.Mutex
	sessions []Session
}

func (a *recordingArchive) ArchiveSessions(ctx context.Context, sessions []Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = append(a.sessions, sessions...)
	return nil
}

func (a *recordingArchive) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSubmit_UrgentTakesImmediatePath(t *testing.T) {
	thread := &fakeThread{}
	emotion := &fakeEmotion{}
	e := New(Options{Workers: 2, Rand: seeded()}, Deps{Thread: thread, Emotion: emotion})

	ack := e.Submit(context.Background(), "alice", "help, my order is stuck", "support", map[string]any{"lang": "en"}, TierCritical)
	if ack.Status != AckProcessed {
		t.Fatalf("expected processed, got %+v", ack)
	}
	if ack.ThreadResult == nil || ack.ThreadResult.CurrentThreadID != "thread-alice" {
		t.Fatalf("unexpected thread result: %+v", ack.ThreadResult)
	}
	if ack.EmotionResult == nil || ack.EmotionResult.PrimaryEmotion != "joy" {
		t.Fatalf("unexpected emotion result: %+v", ack.EmotionResult)
	}
	if ack.SessionContext == nil || ack.SessionContext.MessageCount != 1 {
		t.Fatalf("unexpected session context: %+v", ack.SessionContext)
	}

	// immediate items are not enqueued for a second pass
	if n := e.Stats().Queues.Total(); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}

	cached, ok := e.cache.Get(CacheKey("alice", "support"))
	if !ok {
		t.Fatalf("expected result to be cached")
	}
	if cached["lang"] != "en" {
		t.Fatalf("expected caller context in cache, got %v", cached)
	}
	if _, ok := cached["thread"].(ThreadResult); !ok {
		t.Fatalf("expected thread result in cache, got %T", cached["thread"])
	}
	if e.latency.Count() != 1 {
		t.Fatalf("expected one latency sample, got %d", e.latency.Count())
	}
}

func TestSubmit_ImmediatePathMergesCachedContext(t *testing.T) {
	thread := &fakeThread{}
	e := New(Options{Workers: 1}, Deps{Thread: thread})

	e.Submit(context.Background(), "bob", "first", "room", map[string]any{"topic": "travel"}, TierHigh)
	e.Submit(context.Background(), "bob", "second", "room", map[string]any{"mood": "calm"}, TierHigh)

	seen := thread.seen()
	if seen["topic"] != "travel" || seen["mood"] != "calm" {
		t.Fatalf("expected cached and caller context merged, got %v", seen)
	}
	if _, ok := seen["thread"]; !ok {
		t.Fatalf("expected previous thread result in merged context, got %v", seen)
	}
}

func TestSubmit_CollaboratorErrorBecomesErrorAck(t *testing.T) {
	e := New(Options{Workers: 1}, Deps{Thread: &fakeThread{err: errors.New("model offline")}})

	ack := e.Submit(context.Background(), "carol", "hi", "c", nil, TierHigh)
	if ack.Status != AckError || !ack.FallbackResponse {
		t.Fatalf("expected error ack with fallback, got %+v", ack)
	}
	if ack.Error == "" {
		t.Fatalf("expected error message")
	}
}

func TestSubmit_CollaboratorTimeout(t *testing.T) {
	e := New(Options{Workers: 1, CollaboratorTimeout: 30 * time.Millisecond}, Deps{Thread: &fakeThread{block: true}})

	start := time.Now()
	ack := e.Submit(context.Background(), "dave", "hi", "c", nil, TierCritical)
	if ack.Status != AckError {
		t.Fatalf("expected error ack, got %+v", ack)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("collaborator timeout not enforced, took %s", elapsed)
	}
}

type panickyEmotion struct{}

func (panickyEmotion) Analyze(ctx context.Context, message, userID string) (EmotionResult, error) {
	panic("boom")
}

func TestSubmit_PanicBecomesErrorAck(t *testing.T) {
	e := New(Options{Workers: 1}, Deps{Emotion: panickyEmotion{}})
	ack := e.Submit(context.Background(), "erin", "hi", "c", nil, TierCritical)
	if ack.Status != AckError || !ack.FallbackResponse {
		t.Fatalf("expected error ack, got %+v", ack)
	}
}

func TestSubmit_DefaultsWithoutCollaborators(t *testing.T) {
	e := New(Options{Workers: 1}, Deps{})
	ack := e.Submit(context.Background(), "frank", "hi", "c", nil, TierHigh)
	if ack.Status != AckProcessed {
		t.Fatalf("expected processed, got %+v", ack)
	}
	if *ack.ThreadResult != DefaultThreadResult() || *ack.EmotionResult != DefaultEmotionResult() {
		t.Fatalf("expected default results, got %+v %+v", ack.ThreadResult, ack.EmotionResult)
	}
}

func TestSubmit_QueuedAck(t *testing.T) {
	e := New(Options{Workers: 2}, Deps{})

	ack := e.Submit(context.Background(), "gina", "hello", "c", nil, TierLow)
	if ack.Status != AckQueued {
		t.Fatalf("expected queued, got %+v", ack)
	}
	if ack.Tier == nil || *ack.Tier != TierLow {
		t.Fatalf("expected low tier in ack, got %v", ack.Tier)
	}
	if ack.SessionID == "" {
		t.Fatalf("expected session id")
	}
	// one queued item, two workers, assumed 1s latency
	if ack.EstimatedWaitSeconds != 0.5 {
		t.Fatalf("expected 0.5s estimate, got %v", ack.EstimatedWaitSeconds)
	}
	if e.Stats().Queues.Low != 1 {
		t.Fatalf("expected one low item, got %+v", e.Stats().Queues)
	}
}

func TestSubmit_RejectsBadInput(t *testing.T) {
	e := New(Options{Workers: 1}, Deps{})
	if ack := e.Submit(context.Background(), "", "hi", "c", nil, TierLow); ack.Status != AckError {
		t.Fatalf("expected error for empty user, got %+v", ack)
	}
	if ack := e.Submit(context.Background(), "u", "hi", "c", nil, Tier(7)); ack.Status != AckError {
		t.Fatalf("expected error for bad tier, got %+v", ack)
	}
	if e.sessions.Len() != 0 {
		t.Fatalf("rejected submits must not create sessions")
	}
}

func TestEstimatedWait_Capped(t *testing.T) {
	e := New(Options{Workers: 1, QueueMaxSize: 1000}, Deps{})
	for i := 0; i < 100; i++ {
		e.queue.Put(&Item{Tier: TierNormal})
	}
	e.latency.Record(2 * time.Second)
	if got := e.EstimatedWait(); got != maxEstimatedWait {
		t.Fatalf("expected capped estimate, got %s", got)
	}
}

func TestSubmit_SessionSingularityAcrossChannels(t *testing.T) {
	e := New(Options{Workers: 1}, Deps{})
	e.Submit(context.Background(), "hank", "hi", "one", nil, TierNormal)
	e.Submit(context.Background(), "hank", "hi again", "two", nil, TierLow)

	if e.Stats().Sessions.Active != 1 {
		t.Fatalf("expected one session, got %d", e.Stats().Sessions.Active)
	}
	sc, ok := e.Session("hank")
	if !ok || sc.ChannelID != "two" || sc.MessageCount != 2 {
		t.Fatalf("unexpected session context: %+v", sc)
	}
	if len(e.sessions.ChannelUsers("one")) != 0 {
		t.Fatalf("old channel still indexed")
	}
}

func TestEngine_BackgroundDrainPublishesAndUpdatesSession(t *testing.T) {
	sink := &recordingSink{}
	e := New(Options{Workers: 2}, Deps{Thread: &fakeThread{}, Emotion: &fakeEmotion{}, Results: sink})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	e.Submit(context.Background(), "ivy", "what is new?", "news", nil, TierNormal)

	waitFor(t, 2*time.Second, func() bool { return sink.len() == 1 })

	s, ok := e.sessions.Get("ivy")
	if !ok {
		t.Fatalf("session missing")
	}
	waitFor(t, time.Second, func() bool {
		s, _ = e.sessions.Get("ivy")
		return s.LastResult != nil
	})
	if s.LastResult.Thread.CurrentThreadID != "thread-ivy" || s.LastResult.SessionID != s.ID {
		t.Fatalf("unexpected last result: %+v", s.LastResult)
	}
	if s.LastResult.Score != 60 {
		t.Fatalf("expected question score 60, got %d", s.LastResult.Score)
	}
}

func TestEngine_EndToEnd(t *testing.T) {
	thread := &fakeThread{}
	e := New(Options{Workers: 4}, Deps{Thread: thread, Emotion: &fakeEmotion{}})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	tiers := []Tier{TierCritical, TierHigh, TierNormal, TierLow}
	var wg sync.WaitGroup
	var errored atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i%10)
			ack := e.Submit(context.Background(), user, "message", "lobby", nil, tiers[i%4])
			if ack.Status == AckError {
				errored.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if errored.Load() != 0 {
		t.Fatalf("expected no error acks, got %d", errored.Load())
	}
	if st := e.Stats(); st.Sessions.Active != 10 {
		t.Fatalf("expected 10 sessions, got %d", st.Sessions.Active)
	}
	waitFor(t, 5*time.Second, func() bool { return e.Processed() == 100 })

	q := e.Stats().Queues
	if q.Critical != 0 || q.High != 0 || q.Normal != 0 || q.Low != 0 {
		t.Fatalf("expected drained queues, got %+v", q)
	}
	if got := thread.calls.Load(); got != 100 {
		t.Fatalf("expected each message analysed once, got %d calls", got)
	}
}

func TestEngine_StopIsGracefulAndFinal(t *testing.T) {
	e := New(Options{Workers: 1, ShutdownTimeout: 500 * time.Millisecond}, Deps{})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not return")
	}
	e.Stop()

	if e.Running() {
		t.Fatalf("engine still running")
	}
	if ack := e.Submit(context.Background(), "u", "hi", "c", nil, TierLow); ack.Status != AckError {
		t.Fatalf("expected error ack after stop, got %+v", ack)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrEngineStopped) {
		t.Fatalf("expected ErrEngineStopped on restart, got %v", err)
	}
}

func TestEngine_ReapSessionsArchives(t *testing.T) {
	clk := newFakeClock()
	archive := &recordingArchive{}
	e := New(Options{Workers: 1, SessionTimeout: time.Minute, Now: clk.Now}, Deps{Archive: archive})

	e.Submit(context.Background(), "old", "hi", "c", nil, TierLow)
	clk.Advance(2 * time.Minute)
	e.Submit(context.Background(), "new", "hi", "c", nil, TierLow)

	if n := e.ReapSessions(); n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}
	waitFor(t, time.Second, func() bool { return archive.len() == 1 })
	if _, ok := e.Session("old"); ok {
		t.Fatalf("expected old session removed")
	}
	if _, ok := e.Session("new"); !ok {
		t.Fatalf("expected new session retained")
	}
}

func TestEngine_SweepCache(t *testing.T) {
	clk := newFakeClock()
	e := New(Options{Workers: 1, CacheTTL: time.Second, Now: clk.Now}, Deps{})
	e.Submit(context.Background(), "u", "hi", "c", nil, TierCritical)
	if e.cache.Len() != 1 {
		t.Fatalf("expected cached entry")
	}
	clk.Advance(2 * time.Second)
	if n := e.SweepCache(); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
}

func TestEngine_AggregateMetrics(t *testing.T) {
	clk := newFakeClock()
	e := New(Options{Workers: 1, Now: clk.Now}, Deps{})
	for i := 0; i < 10; i++ {
		e.Submit(context.Background(), "u", "hi", "c", nil, TierHigh)
	}
	clk.Advance(5 * time.Second)
	e.AggregateMetrics()
	if got := e.Stats().Performance.MessagesPerSecond; got != 2 {
		t.Fatalf("expected 2 msg/s, got %v", got)
	}
}

func TestEngine_ObserveLoad(t *testing.T) {
	e := New(Options{Workers: 1, DepthWarn: 3}, Deps{})
	if e.ObserveLoad() {
		t.Fatalf("expected no warning on idle engine")
	}
	for i := 0; i < 4; i++ {
		e.Submit(context.Background(), fmt.Sprintf("u%d", i), "hi", "c", nil, TierLow)
	}
	if !e.ObserveLoad() {
		t.Fatalf("expected warning when depth exceeds threshold")
	}
}

func TestAck_JSONKeepsZeroTimings(t *testing.T) {
	clk := newFakeClock()
	e := New(Options{Workers: 1, Now: clk.Now}, Deps{})

	// the fake clock never moves, so the immediate path records 0 latency
	processed := e.Submit(context.Background(), "u", "hi", "c", nil, TierHigh)
	queued := e.Submit(context.Background(), "u", "later", "c", nil, TierLow)
	if processed.Status != AckProcessed || queued.Status != AckQueued {
		t.Fatalf("unexpected statuses: %s %s", processed.Status, queued.Status)
	}
	if queued.EstimatedWaitSeconds != 0 {
		t.Fatalf("expected zero estimate with zero mean latency, got %v", queued.EstimatedWaitSeconds)
	}

	cases := []struct {
		ack  Ack
		keys []string
	}{
		{processed, []string{"status", "thread_result", "emotion_result", "processing_time_ms", "session_context"}},
		{queued, []string{"status", "tier", "estimated_wait_seconds", "session_id"}},
	}
	for _, tc := range cases {
		b, err := json.Marshal(tc.ack)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		for _, k := range tc.keys {
			if _, ok := m[k]; !ok {
				t.Errorf("%s ack is missing %q: %s", tc.ack.Status, k, b)
			}
		}
	}
}

// gatedThread blocks every call until release is closed.
type gatedThread struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (g *gatedThread) Process(ctx context.Context, userID, message string, msgCtx map[string]any) (ThreadResult, error) {
	g.calls.Add(1)
	g.started <- struct{}{}
	<-g.release
	return DefaultThreadResult(), nil
}

func TestEngine_StopFinishesOnlyInFlightItems(t *testing.T) {
	const workers = 2
	gate := &gatedThread{started: make(chan struct{}, 16), release: make(chan struct{})}
	e := New(Options{Workers: workers, CollaboratorTimeout: 10 * time.Second}, Deps{Thread: gate})
	for i := 0; i < 10; i++ {
		e.Submit(context.Background(), fmt.Sprintf("u%d", i), "hi", "c", nil, TierLow)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < workers; i++ {
		select {
		case <-gate.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("worker %d never picked up an item", i)
		}
	}

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	waitFor(t, time.Second, func() bool { return !e.Running() })
	// give the drain loop time to observe the cancellation
	time.Sleep(50 * time.Millisecond)
	close(gate.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not return")
	}
	if got := gate.calls.Load(); got != workers {
		t.Fatalf("expected only the %d in-flight items to run, got %d", workers, got)
	}
	if got := e.Processed(); got != workers {
		t.Fatalf("expected processed=%d, got %d", workers, got)
	}
}

func TestEngine_MonitorsRunOnSchedule(t *testing.T) {
	archive := &recordingArchive{}
	e := New(Options{
		Workers:        1,
		SessionTimeout: 10 * time.Millisecond,
		ReapInterval:   time.Second,
		SweepInterval:  time.Second,
	}, Deps{Archive: archive})

	e.Submit(context.Background(), "idle", "hi", "c", nil, TierCritical)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	// cron.Every fires on whole seconds; allow for one missed boundary
	waitFor(t, 3*time.Second, func() bool { return archive.len() == 1 })
	if _, ok := e.Session("idle"); ok {
		t.Fatalf("expected the scheduled reaper to remove the idle session")
	}
}
