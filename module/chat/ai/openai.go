package ai

import (
	"context"
	"encoding/json"
	"time"

	"AgentChat/logger"
	"AgentChat/module/chat/model"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const defaultAnalyzeTimeout = 20 * time.Second

const systemPrompt = `You are a banking customer-support assistant. Analyze the customer
message and respond with a single JSON object with exactly these keys:
"answer" (a helpful reply in the customer's language),
"confidence" (0..1, how sure you are the answer fully resolves the question),
"clarified_query" (the question restated unambiguously),
"customer_type" (one of "individual", "business", "household_business", "partner"),
"key_information" (short phrase), "main_topic" (snake_case topic label).
Output JSON only, no prose.`

// OpenAIClassifier calls the chat completion API and parses the verdict.
// API failures degrade to a low-confidence fallback so a flaky upstream
// routes messages to humans instead of dropping them.
type OpenAIClassifier struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAIClassifier(apiKey, model string) *OpenAIClassifier {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIClassifier{
		client:  openai.NewClient(apiKey),
		model:   model,
		timeout: defaultAnalyzeTimeout,
	}
}

func (c *OpenAIClassifier) Analyze(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	mdl := req.Model
	if mdl == "" {
		mdl = c.model
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: mdl,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Question},
		},
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		logger.Log.Warn("classifier call failed, using fallback", zap.Error(err))
		return fallbackResult(req.Question), nil
	}

	if len(resp.Choices) == 0 {
		return fallbackResult(req.Question), nil
	}

	var out Result
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		logger.Log.Warn("classifier returned unparseable verdict", zap.Error(err))
		return fallbackResult(req.Question), nil
	}

	out.Question = req.Question
	if !validCustomerType(out.CustomerType) {
		out.CustomerType = model.CustomerIndividual
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return &out, nil
}

func fallbackResult(question string) *Result {
	return &Result{
		Answer:         "Thank you for reaching out. A support specialist will assist you shortly.",
		Confidence:     0.5,
		ClarifiedQuery: question,
		CustomerType:   model.CustomerIndividual,
		KeyInformation: "general inquiry",
		Topic:          TopicGeneral,
		Question:       question,
	}
}

func validCustomerType(t model.CustomerType) bool {
	switch t {
	case model.CustomerIndividual, model.CustomerBusiness,
		model.CustomerHouseholdBusiness, model.CustomerPartner:
		return true
	}
	return false
}
