package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"voicetutor-backend/internal/models"
)

// InsightsService generates a short learning-insights summary for a
// finalized session from its persisted transcript. Failures here are never
// fatal; insights are secondary analytics data.
type InsightsService struct {
	client   *genai.Client
	model    *genai.GenerativeModel
	rateChan chan struct{} // Token bucket
}

func NewInsightsService(apiKey string, concurrentReqs int) (*InsightsService, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel("gemini-3-flash-preview")
	model.SetTemperature(0.4)
	model.SetTopP(0.95)

	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &InsightsService{
		client:   client,
		model:    model,
		rateChan: rateChan,
	}, nil
}

func (s *InsightsService) Close() {
	s.client.Close()
}

func (s *InsightsService) acquireRate(ctx context.Context) error {
	select {
	case <-s.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("timeout waiting for Gemini rate slot")
	}
}

func (s *InsightsService) releaseRate() {
	s.rateChan <- struct{}{}
}

// GenerateSessionInsights summarizes what the learner worked on, what went
// well, and what to practice next.
func (s *InsightsService) GenerateSessionInsights(ctx context.Context, session *models.LearningSession, interactions []*models.VoiceInteraction) (string, error) {
	if err := s.acquireRate(ctx); err != nil {
		return "", err
	}
	defer s.releaseRate()

	prompt := buildInsightsPrompt(session, interactions)

	resp, err := s.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("Gemini API error: %w", err)
	}

	text := strings.TrimSpace(extractText(resp))
	if text == "" {
		return "", fmt.Errorf("Gemini returned an empty response")
	}
	return text, nil
}

func buildInsightsPrompt(session *models.LearningSession, interactions []*models.VoiceInteraction) string {
	var b strings.Builder

	b.WriteString("You are reviewing a completed voice tutoring session.\n")
	fmt.Fprintf(&b, "Session type: %s\n", session.Type)
	if session.Subject != nil {
		fmt.Fprintf(&b, "Subject: %s\n", *session.Subject)
	}
	if session.Language != nil {
		fmt.Fprintf(&b, "Language: %s\n", *session.Language)
	}
	fmt.Fprintf(&b, "Duration: %d seconds\n\n", session.DurationSeconds)

	b.WriteString("Transcript:\n")
	for _, i := range interactions {
		switch i.Type {
		case models.InteractionUserSpeech:
			if i.Transcript != nil {
				fmt.Fprintf(&b, "Learner: %s\n", *i.Transcript)
			}
		case models.InteractionAIResponse:
			if i.Transcript != nil {
				fmt.Fprintf(&b, "Tutor: %s\n", *i.Transcript)
			}
		case models.InteractionPronunciationFeedback:
			if i.PronunciationScore != nil {
				fmt.Fprintf(&b, "[pronunciation score %.2f]\n", *i.PronunciationScore)
			}
		}
	}

	b.WriteString("\nWrite 3-5 short bullet points for the learner: what they worked on, ")
	b.WriteString("what went well, and one concrete thing to practice next. ")
	b.WriteString("Plain text bullets, no markdown headers.")

	return b.String()
}

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
