package generator

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	got  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
	wait time.Duration
}

func (f *fakeCompleter) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.got = req
	if f.wait > 0 {
		select {
		case <-ctx.Done():
			return openai.ChatCompletionResponse{}, ctx.Err()
		case <-time.After(f.wait):
		}
	}
	return f.resp, f.err
}

func TestBuildPromptAvoidsRecentOpenings(t *testing.T) {
	prompt := BuildPrompt(Request{
		BusinessName:    "Joe's Coffee",
		Location:        "Austin, TX",
		Keywords:        " espresso, pastries ,, wifi",
		Rating:          3,
		PreviousReviews: []string{"I stopped by Joe's Coffee last week and loved it.", "", "Great"},
	})

	assert.Contains(t, prompt, "Joe's Coffee in Austin, TX")
	assert.Contains(t, prompt, "a good experience")
	assert.Contains(t, prompt, "espresso, pastries, wifi")
	assert.Contains(t, prompt, `"I stopped by Joe's..."`)
	assert.Contains(t, prompt, `"Great..."`)
}

func TestBuildPromptWithoutHistory(t *testing.T) {
	prompt := BuildPrompt(Request{BusinessName: "Shop", Location: "Town", Rating: 4})
	assert.Contains(t, prompt, "an excellent experience")
	assert.NotContains(t, prompt, "Recent reviews")
}

func TestGenerateSendsBoundedRequest(t *testing.T) {
	fc := &fakeCompleter{resp: openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Content: "  Lovely spot.  "}},
	}}}
	g := NewOpenAI(fc, "", time.Second)

	text, err := g.Generate(context.Background(), Request{BusinessName: "Shop", Rating: 4})
	require.NoError(t, err)
	assert.Equal(t, "Lovely spot.", text)
	assert.Equal(t, 200, fc.got.MaxTokens)
	assert.InDelta(t, 0.9, fc.got.Temperature, 0.0001)
	assert.Equal(t, "gpt-4o-mini", fc.got.Model)
	require.Len(t, fc.got.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, fc.got.Messages[0].Role)
}

func TestGenerateTimesOut(t *testing.T) {
	fc := &fakeCompleter{wait: time.Second}
	g := NewOpenAI(fc, "gpt-test", 10*time.Millisecond)

	_, err := g.Generate(context.Background(), Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGenerateEmptyChoices(t *testing.T) {
	g := NewOpenAI(&fakeCompleter{err: errors.New("rate limited")}, "", time.Second)
	_, err := g.Generate(context.Background(), Request{})
	assert.Error(t, err)

	g = NewOpenAI(&fakeCompleter{}, "", time.Second)
	_, err = g.Generate(context.Background(), Request{})
	assert.Error(t, err)
}
