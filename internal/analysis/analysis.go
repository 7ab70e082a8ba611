// Package analysis implements the dispatch collaborators on top of an LLM
// provider. Each analyzer asks the model for a single JSON object and maps it
// onto the dispatch result types.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/chat-dispatch/internal/ai"
	"github.com/suPer8Hu/chat-dispatch/internal/dispatch"
)

var ErrNoJSON = errors.New("analysis: reply contains no json object")

const threadPrompt = `You track conversation threads in a group chat.
Given a user's message and the known context, reply with one JSON object:
{"current_thread_id": string, "analysis_summary": string, "response_guidance": string}.
Reuse the thread id from the context when the message continues that thread.`

const emotionPrompt = `You score the emotional tone of chat messages.
Reply with one JSON object:
{"primary_emotion": string, "intensity": number between 0 and 1, "confidence": number between 0 and 1}.`

type ThreadAnalyzer struct {
	provider ai.Provider
}

func NewThreadAnalyzer(p ai.Provider) *ThreadAnalyzer {
	return &ThreadAnalyzer{provider: p}
}

func (a *ThreadAnalyzer) Process(ctx context.Context, userID, message string, msgCtx map[string]any) (dispatch.ThreadResult, error) {
	ctxJSON, err := json.Marshal(msgCtx)
	if err != nil {
		return dispatch.ThreadResult{}, fmt.Errorf("analysis: encode context: %w", err)
	}
	reply, err := a.provider.Chat(ctx, []ai.Message{
		{Role: "system", Content: threadPrompt},
		{Role: "user", Content: fmt.Sprintf("user: %s\ncontext: %s\nmessage: %s", userID, ctxJSON, message)},
	})
	if err != nil {
		return dispatch.ThreadResult{}, err
	}

	var out dispatch.ThreadResult
	if err := decodeReply(reply, &out); err != nil {
		return dispatch.ThreadResult{}, err
	}
	def := dispatch.DefaultThreadResult()
	if out.CurrentThreadID == "" {
		out.CurrentThreadID = def.CurrentThreadID
	}
	if out.ResponseGuidance == "" {
		out.ResponseGuidance = def.ResponseGuidance
	}
	return out, nil
}

type EmotionAnalyzer struct {
	provider ai.Provider
}

func NewEmotionAnalyzer(p ai.Provider) *EmotionAnalyzer {
	return &EmotionAnalyzer{provider: p}
}

func (a *EmotionAnalyzer) Analyze(ctx context.Context, message, userID string) (dispatch.EmotionResult, error) {
	reply, err := a.provider.Chat(ctx, []ai.Message{
		{Role: "system", Content: emotionPrompt},
		{Role: "user", Content: message},
	})
	if err != nil {
		return dispatch.EmotionResult{}, err
	}

	var out dispatch.EmotionResult
	if err := decodeReply(reply, &out); err != nil {
		return dispatch.EmotionResult{}, err
	}
	out.PrimaryEmotion = strings.ToLower(strings.TrimSpace(out.PrimaryEmotion))
	if out.PrimaryEmotion == "" {
		out.PrimaryEmotion = dispatch.DefaultEmotionResult().PrimaryEmotion
	}
	out.Intensity = clamp01(out.Intensity)
	out.Confidence = clamp01(out.Confidence)
	return out, nil
}

// decodeReply unmarshals the outermost JSON object in reply. Models often
// wrap JSON in prose or code fences.
func decodeReply(reply string, v any) error {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), v); err != nil {
		return fmt.Errorf("analysis: decode reply: %w", err)
	}
	return nil
}

func clamp01(f float64) float64 {
	return min(max(f, 0), 1)
}
