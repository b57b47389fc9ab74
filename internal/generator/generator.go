// Package generator drafts review text with a chat completion model.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	maxTokens   = 200
	temperature = 0.9
	// openingWords is how many leading words of earlier drafts the prompt
	// asks the model not to reuse.
	openingWords = 4
)

const defaultModel = "gpt-4o-mini"

const systemPrompt = "You write short, authentic Google reviews on behalf of happy customers. " +
	"Every review should read as if a different person wrote it, with its own voice and phrasing."

// Request describes the business and rating a review is drafted for.
type Request struct {
	BusinessName    string
	Location        string
	Keywords        string
	Rating          int
	PreviousReviews []string
}

// Generator drafts review text. An empty string with a nil error means no
// text could be produced.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Completer is the subset of the go-openai client used here.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI drafts reviews with the chat completions API.
type OpenAI struct {
	client  Completer
	model   string
	timeout time.Duration
}

// NewOpenAI creates an OpenAI generator. A zero timeout defaults to 20s.
func NewOpenAI(client Completer, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = defaultModel
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &OpenAI{client: client, model: model, timeout: timeout}
}

// NewOpenAIFromKey builds the go-openai client for apiKey.
func NewOpenAIFromKey(apiKey, model string, timeout time.Duration) *OpenAI {
	return NewOpenAI(openai.NewClient(apiKey), model, timeout)
}

// Generate implements Generator.
func (g *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(req)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("generator: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("generator: empty completion")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Disabled is used when no API key is configured.
type Disabled struct{}

// Generate always returns an empty draft.
func (Disabled) Generate(context.Context, Request) (string, error) { return "", nil }

func ratingText(rating int) string {
	if rating == 3 {
		return "good"
	}
	return "excellent"
}

func splitKeywords(keywords string) string {
	parts := strings.Split(keywords, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}

func opening(text string) string {
	words := strings.Fields(text)
	if len(words) > openingWords {
		words = words[:openingWords]
	}
	return strings.Join(words, " ")
}

// BuildPrompt renders the user prompt for req.
func BuildPrompt(req Request) string {
	keywords := splitKeywords(req.Keywords)

	var b strings.Builder
	fmt.Fprintf(&b, "Write a positive Google review for %s in %s.\n\n", req.BusinessName, req.Location)
	fmt.Fprintf(&b, "The customer had a %s experience. The business is related to: %s.\n\n", ratingText(req.Rating), keywords)
	b.WriteString("Requirements:\n")
	b.WriteString("- Write in the first person as a customer\n")
	b.WriteString("- Mention the business name and location naturally\n")
	fmt.Fprintf(&b, "- Work in these keywords: %s\n", keywords)
	b.WriteString("- Sound specific and genuine without inventing details\n")
	b.WriteString("- Three to four sentences, ending with a recommendation\n")
	b.WriteString("- Do not use em dashes\n")

	var openings []string
	for _, prev := range req.PreviousReviews {
		if o := opening(prev); o != "" {
			openings = append(openings, o)
		}
	}
	if len(openings) > 0 {
		b.WriteString("\nRecent reviews for this business began with the phrases below. Start yours with different words:\n")
		for _, o := range openings {
			fmt.Fprintf(&b, "- %q\n", o+"...")
		}
	}
	return b.String()
}
