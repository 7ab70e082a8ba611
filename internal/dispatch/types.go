package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"
)

type Tier int

const (
	TierCritical Tier = iota
	TierHigh
	TierNormal
	TierLow
)

// numTiers is the number of queue buckets, indexed by Tier.
const numTiers = 4

var tierNames = [numTiers]string{"critical", "high", "normal", "low"}

// tierWeights multiply bucket depth during weighted selection.
var tierWeights = [numTiers]int{4, 3, 2, 1}

var (
	ErrInvalidTier   = errors.New("dispatch: invalid tier")
	ErrEmptyUser     = errors.New("dispatch: user id is required")
	ErrEngineStopped = errors.New("dispatch: engine is not running")
)

func (t Tier) String() string {
	if t < 0 || int(t) >= numTiers {
		return "unknown"
	}
	return tierNames[t]
}

func (t Tier) Valid() bool {
	return t >= TierCritical && t <= TierLow
}

// Urgent reports whether messages of this tier take the immediate path.
func (t Tier) Urgent() bool {
	return t == TierCritical || t == TierHigh
}

// ParseTier maps a tier name to a Tier. Empty input means normal.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TierNormal, nil
	}
	for i, name := range tierNames {
		if name == s {
			return Tier(i), nil
		}
	}
	return 0, ErrInvalidTier
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Item is one queued message. Ownership passes to the worker that dequeues it.
type Item struct {
	UserID     string
	ChannelID  string
	Message    string
	Context    map[string]any
	Score      int
	Tier       Tier
	EnqueuedAt time.Time
}

type ThreadResult struct {
	CurrentThreadID  string `json:"current_thread_id"`
	AnalysisSummary  string `json:"analysis_summary"`
	ResponseGuidance string `json:"response_guidance"`
}

type EmotionResult struct {
	PrimaryEmotion string  `json:"primary_emotion"`
	Intensity      float64 `json:"intensity"`
	Confidence     float64 `json:"confidence"`
}

// ThreadAnalyzer classifies a message into a conversation thread.
type ThreadAnalyzer interface {
	Process(ctx context.Context, userID, message string, msgCtx map[string]any) (ThreadResult, error)
}

// EmotionAnalyzer scores the emotional content of a message.
type EmotionAnalyzer interface {
	Analyze(ctx context.Context, message, userID string) (EmotionResult, error)
}

// DefaultThreadResult is substituted when no ThreadAnalyzer is configured.
func DefaultThreadResult() ThreadResult {
	return ThreadResult{
		CurrentThreadID:  "default",
		AnalysisSummary:  "no thread analysis available",
		ResponseGuidance: "respond naturally",
	}
}

// DefaultEmotionResult is substituted when no EmotionAnalyzer is configured.
func DefaultEmotionResult() EmotionResult {
	return EmotionResult{PrimaryEmotion: "neutral", Intensity: 0.5, Confidence: 0.5}
}

// ResultSink receives the outcome of background-processed items.
type ResultSink interface {
	PublishResult(ctx context.Context, r Result) error
}

// SessionArchive receives sessions removed by the reaper.
type SessionArchive interface {
	ArchiveSessions(ctx context.Context, sessions []Session) error
}

// ContextMirror is a second-level store behind the in-process ContextCache.
type ContextMirror interface {
	SaveContext(ctx context.Context, key string, value map[string]any, ttl time.Duration) error
	LoadContext(ctx context.Context, key string) (map[string]any, bool, error)
}

// Result is the merged output of one unit of work.
type Result struct {
	UserID      string        `json:"user_id"`
	ChannelID   string        `json:"channel_id"`
	SessionID   string        `json:"session_id"`
	Tier        Tier          `json:"tier"`
	Score       int           `json:"score"`
	Thread      ThreadResult  `json:"thread"`
	Emotion     EmotionResult `json:"emotion"`
	ProcessedAt time.Time     `json:"processed_at"`
	Elapsed     time.Duration `json:"elapsed"`
}

type AckStatus string

const (
	AckProcessed AckStatus = "processed"
	AckQueued    AckStatus = "queued"
	AckError     AckStatus = "error"
)

// Ack is returned by every Submit call.
type Ack struct {
	Status AckStatus `json:"status"`

	// processed
	ThreadResult     *ThreadResult   `json:"thread_result,omitempty"`
	EmotionResult    *EmotionResult  `json:"emotion_result,omitempty"`
	ProcessingTimeMs float64         `json:"processing_time_ms"`
	SessionContext   *SessionContext `json:"session_context,omitempty"`

	// queued
	Tier                 *Tier   `json:"tier,omitempty"`
	EstimatedWaitSeconds float64 `json:"estimated_wait_seconds"`
	SessionID            string  `json:"session_id,omitempty"`

	// error
	Error            string `json:"error,omitempty"`
	FallbackResponse bool   `json:"fallback_response,omitempty"`
}

func errorAck(err error) Ack {
	return Ack{Status: AckError, Error: err.Error(), FallbackResponse: true}
}

type SessionStats struct {
	Active      int     `json:"active"`
	Max         int     `json:"max"`
	Utilization float64 `json:"utilization"`
}

type PerformanceStats struct {
	MessagesPerSecond float64 `json:"messages_per_second"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	QueueLength       int     `json:"queue_length"`
	WorkerUtilization float64 `json:"worker_utilization"`
}

type QueueStats struct {
	Critical int    `json:"critical"`
	High     int    `json:"high"`
	Normal   int    `json:"normal"`
	Low      int    `json:"low"`
	Dropped  uint64 `json:"dropped"`
}

func (q QueueStats) Total() int {
	return q.Critical + q.High + q.Normal + q.Low
}

type CacheStats struct {
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	Utilization float64 `json:"utilization"`
}

type Stats struct {
	Sessions    SessionStats     `json:"sessions"`
	Performance PerformanceStats `json:"performance"`
	Queues      QueueStats       `json:"queues"`
	Cache       CacheStats       `json:"cache"`
}
