package dispatch

import (
	"context"
	"fmt"
	"log"
	"maps"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultCollaboratorTimeout = 10 * time.Second
	DefaultShutdownTimeout     = 5 * time.Second
	DefaultDepthWarn           = 1000
	DefaultLatencyWarn         = 2 * time.Second
	DefaultReapInterval        = 30 * time.Second
	DefaultSweepInterval       = 60 * time.Second
	DefaultMetricsInterval     = 5 * time.Second
	DefaultLoadInterval        = 10 * time.Second
	DefaultIdleSleep           = time.Millisecond

	maxEstimatedWait = 30 * time.Second
	// assumedLatency stands in for the mean until the first sample is recorded.
	assumedLatency = time.Second
	slowItem       = 2 * time.Second
)

// Options configures an Engine. Zero values take the package defaults.
type Options struct {
	Workers             int
	QueueMaxSize        int
	QueueShedBatch      int
	MaxSessions         int
	SessionTimeout      time.Duration
	CacheTTL            time.Duration
	CacheMaxSize        int
	CacheEvictBatch     int
	LatencyWindow       int
	CollaboratorTimeout time.Duration
	ShutdownTimeout     time.Duration
	DepthWarn           int
	LatencyWarn         time.Duration

	// Monitor intervals are scheduled with cron.Every, which rounds anything
	// under one second up to one second.
	ReapInterval    time.Duration
	SweepInterval   time.Duration
	MetricsInterval time.Duration
	LoadInterval    time.Duration
	IdleSleep       time.Duration

	// Rand seeds weighted queue selection; nil means a random seed.
	Rand *rand.Rand
	// Now overrides the clock used by sessions, cache, and timing.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers()
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.CollaboratorTimeout <= 0 {
		o.CollaboratorTimeout = DefaultCollaboratorTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.DepthWarn <= 0 {
		o.DepthWarn = DefaultDepthWarn
	}
	if o.LatencyWarn <= 0 {
		o.LatencyWarn = DefaultLatencyWarn
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = DefaultReapInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = DefaultMetricsInterval
	}
	if o.LoadInterval <= 0 {
		o.LoadInterval = DefaultLoadInterval
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = DefaultIdleSleep
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Deps are the engine's collaborators. All of them are optional.
type Deps struct {
	Thread  ThreadAnalyzer
	Emotion EmotionAnalyzer
	Results ResultSink
	Archive SessionArchive
	Mirror  ContextMirror
}

// Engine accepts messages, fast-paths urgent ones, and drains the rest
// through a bounded worker pool. It owns the queue, session registry and
// context cache; each has its own lock.
type Engine struct {
	opts Options
	deps Deps

	queue    *PriorityQueue
	cache    *ContextCache
	sessions *SessionRegistry
	latency  *LatencyWindow
	pool     *workerPool

	mu      sync.Mutex
	running atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	cron    *cron.Cron
	loops   sync.WaitGroup
	bg      sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64

	metricsMu     sync.Mutex
	mps           float64
	lastProcessed uint64
	lastMetricsAt time.Time
}

func New(opts Options, deps Deps) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		opts:     opts,
		deps:     deps,
		queue:    NewPriorityQueue(opts.QueueMaxSize, opts.QueueShedBatch, opts.Rand),
		cache:    NewContextCache(opts.CacheMaxSize, opts.CacheEvictBatch, opts.CacheTTL),
		sessions: NewSessionRegistry(opts.MaxSessions, opts.SessionTimeout),
		latency:  NewLatencyWindow(opts.LatencyWindow),
	}
	e.cache.now = opts.Now
	e.sessions.now = opts.Now
	e.pool = newWorkerPool(opts.Workers, e.processQueued)
	e.lastMetricsAt = opts.Now()
	return e
}

// Submit accepts one message. It never fails: errors come back as an Ack
// with status "error".
func (e *Engine) Submit(ctx context.Context, userID, message, channelID string, msgCtx map[string]any, tier Tier) Ack {
	if e.stopped.Load() {
		return errorAck(ErrEngineStopped)
	}
	if userID == "" {
		return errorAck(ErrEmptyUser)
	}
	if !tier.Valid() {
		return errorAck(ErrInvalidTier)
	}

	touch, reaped, err := e.sessions.Upsert(userID, channelID)
	if len(reaped) > 0 {
		e.archive(reaped)
	}
	if err != nil {
		log.Printf("dispatch: session upsert failed user=%s err=%v", userID, err)
		return errorAck(err)
	}

	item := &Item{
		UserID:     userID,
		ChannelID:  channelID,
		Message:    message,
		Context:    msgCtx,
		Score:      Score(message, touch),
		Tier:       tier,
		EnqueuedAt: e.opts.Now(),
	}

	// Urgent items are handled here and never enqueued, so the drain loop
	// does not process them a second time.
	if tier.Urgent() {
		return e.processImmediate(ctx, item)
	}

	admitted, shed := e.queue.Put(item)
	if shed > 0 || !admitted {
		log.Printf("dispatch: queue full shed=%d admitted=%t user=%s tier=%s score=%d",
			shed, admitted, userID, tier, item.Score)
	}
	t := tier
	return Ack{
		Status:               AckQueued,
		Tier:                 &t,
		EstimatedWaitSeconds: e.EstimatedWait().Seconds(),
		SessionID:            touch.Session.ID,
	}
}

func (e *Engine) processImmediate(ctx context.Context, item *Item) (ack Ack) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("dispatch: immediate path panic user=%s: %v", item.UserID, r)
			ack = errorAck(fmt.Errorf("dispatch: internal error: %v", r))
		}
	}()

	start := e.opts.Now()
	res, err := e.analyze(ctx, item)
	if err != nil {
		e.failed.Add(1)
		log.Printf("dispatch: immediate path failed user=%s tier=%s score=%d err=%v",
			item.UserID, item.Tier, item.Score, err)
		return errorAck(err)
	}
	elapsed := e.opts.Now().Sub(start)
	e.latency.Record(elapsed)
	e.processed.Add(1)

	sc, _ := e.sessions.Context(item.UserID)
	return Ack{
		Status:           AckProcessed,
		ThreadResult:     &res.Thread,
		EmotionResult:    &res.Emotion,
		ProcessingTimeMs: float64(elapsed) / float64(time.Millisecond),
		SessionContext:   &sc,
	}
}

// processQueued is the unit of work run by pool workers.
func (e *Engine) processQueued(ctx context.Context, item *Item) {
	start := e.opts.Now()
	res, err := e.analyze(ctx, item)
	if err != nil {
		e.failed.Add(1)
		log.Printf("dispatch: background item failed user=%s tier=%s err=%v", item.UserID, item.Tier, err)
		return
	}
	elapsed := e.opts.Now().Sub(start)
	e.latency.Record(elapsed)
	e.processed.Add(1)

	res.Elapsed = elapsed
	if sess, ok := e.sessions.Get(item.UserID); ok {
		res.SessionID = sess.ID
	}
	e.sessions.SetResult(item.UserID, res)

	if e.deps.Results != nil {
		pctx, cancel := context.WithTimeout(ctx, e.opts.CollaboratorTimeout)
		if err := e.deps.Results.PublishResult(pctx, res); err != nil {
			log.Printf("dispatch: publish result failed user=%s err=%v", item.UserID, err)
		}
		cancel()
	}

	if wait := start.Sub(item.EnqueuedAt); elapsed > slowItem || wait > maxEstimatedWait {
		log.Printf("dispatch: slow item user=%s tier=%s score=%d wait=%s cost=%s",
			item.UserID, item.Tier, item.Score, wait, elapsed)
	}
}

// analyze merges cached context into the request, runs both collaborators,
// and caches the combined output.
func (e *Engine) analyze(ctx context.Context, item *Item) (Result, error) {
	key := CacheKey(item.UserID, item.ChannelID)

	merged := make(map[string]any)
	if cached, ok := e.lookupContext(ctx, key); ok {
		maps.Copy(merged, cached)
	}
	maps.Copy(merged, item.Context)

	thread, err := e.runThread(ctx, item, merged)
	if err != nil {
		return Result{}, fmt.Errorf("thread analysis: %w", err)
	}
	emotion, err := e.runEmotion(ctx, item)
	if err != nil {
		return Result{}, fmt.Errorf("emotion analysis: %w", err)
	}

	now := e.opts.Now()
	merged["thread"] = thread
	merged["emotion"] = emotion
	merged["updated_at"] = now
	e.cache.Put(key, merged, e.opts.CacheTTL)
	if e.deps.Mirror != nil {
		mctx, cancel := context.WithTimeout(ctx, e.opts.CollaboratorTimeout)
		if err := e.deps.Mirror.SaveContext(mctx, key, merged, e.opts.CacheTTL); err != nil {
			log.Printf("dispatch: mirror save failed key=%s err=%v", key, err)
		}
		cancel()
	}

	return Result{
		UserID:      item.UserID,
		ChannelID:   item.ChannelID,
		Tier:        item.Tier,
		Score:       item.Score,
		Thread:      thread,
		Emotion:     emotion,
		ProcessedAt: now,
	}, nil
}

func (e *Engine) lookupContext(ctx context.Context, key string) (map[string]any, bool) {
	if v, ok := e.cache.Get(key); ok {
		return v, true
	}
	if e.deps.Mirror == nil {
		return nil, false
	}
	mctx, cancel := context.WithTimeout(ctx, e.opts.CollaboratorTimeout)
	defer cancel()
	v, ok, err := e.deps.Mirror.LoadContext(mctx, key)
	if err != nil {
		log.Printf("dispatch: mirror load failed key=%s err=%v", key, err)
		return nil, false
	}
	return v, ok
}

func (e *Engine) runThread(ctx context.Context, item *Item, merged map[string]any) (ThreadResult, error) {
	if e.deps.Thread == nil {
		return DefaultThreadResult(), nil
	}
	cctx, cancel := context.WithTimeout(ctx, e.opts.CollaboratorTimeout)
	defer cancel()
	return e.deps.Thread.Process(cctx, item.UserID, item.Message, maps.Clone(merged))
}

func (e *Engine) runEmotion(ctx context.Context, item *Item) (EmotionResult, error) {
	if e.deps.Emotion == nil {
		return DefaultEmotionResult(), nil
	}
	cctx, cancel := context.WithTimeout(ctx, e.opts.CollaboratorTimeout)
	defer cancel()
	return e.deps.Emotion.Analyze(cctx, item.Message, item.UserID)
}

// EstimatedWait is queue depth per worker times the mean recent latency,
// capped at 30s.
func (e *Engine) EstimatedWait() time.Duration {
	mean, ok := e.latency.Mean()
	if !ok {
		mean = assumedLatency
	}
	est := time.Duration(float64(e.queue.Len()) / float64(e.opts.Workers) * float64(mean))
	return min(est, maxEstimatedWait)
}

// Session returns the context snapshot for userID's live session.
func (e *Engine) Session(userID string) (SessionContext, bool) {
	return e.sessions.Context(userID)
}

func (e *Engine) Stats() Stats {
	var avgMs float64
	if mean, ok := e.latency.Mean(); ok {
		avgMs = float64(mean) / float64(time.Millisecond)
	}
	e.metricsMu.Lock()
	mps := e.mps
	e.metricsMu.Unlock()

	q := e.queue.Stats()
	return Stats{
		Sessions: e.sessions.Stats(),
		Performance: PerformanceStats{
			MessagesPerSecond: mps,
			AvgResponseTimeMs: avgMs,
			QueueLength:       q.Total(),
			WorkerUtilization: e.pool.utilization(),
		},
		Queues: q,
		Cache:  e.cache.Stats(),
	}
}

// Processed returns how many items completed on either path.
func (e *Engine) Processed() uint64 {
	return e.processed.Load()
}

func (e *Engine) archive(sessions []Session) {
	if e.deps.Archive == nil {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.CollaboratorTimeout)
		defer cancel()
		if err := e.deps.Archive.ArchiveSessions(ctx, sessions); err != nil {
			log.Printf("reaper: archive failed sessions=%d err=%v", len(sessions), err)
		}
	}()
}
