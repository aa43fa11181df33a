package ai

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"AgentChat/logger"
	"AgentChat/module/chat/model"

	"go.uber.org/zap"
)

const (
	TopicLoan      = "banking_loan"
	TopicCard      = "banking_card"
	TopicAccount   = "banking_account"
	TopicBusiness  = "business_inquiry"
	TopicPartner   = "partner_services"
	TopicHousehold = "household_business_inquiry"
	TopicGeneral   = "general_inquiry"
)

// MockClassifier is a keyword classifier for local runs and tests.
// Confidence is drawn from [0.85, 0.95) unless ConfidenceFn is set,
// which pins it for deterministic tests.
type MockClassifier struct {
	ConfidenceFn func(topic string) float64
	rnd          *rand.Rand
}

func NewMockClassifier() *MockClassifier {
	return &MockClassifier{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (m *MockClassifier) Analyze(_ context.Context, req Request) (*Result, error) {
	question := strings.ToLower(req.Question)

	customerType := model.CustomerIndividual
	topic := TopicGeneral
	keyInfo := "customer inquiry"

	switch {
	case strings.Contains(question, "loan"):
		topic = TopicLoan
		keyInfo = "loan inquiry"
	case strings.Contains(question, "card"):
		topic = TopicCard
		keyInfo = "card services"
	case strings.Contains(question, "account"):
		topic = TopicAccount
		keyInfo = "account services"
	case strings.Contains(question, "business") && strings.Contains(question, "household"):
		customerType = model.CustomerHouseholdBusiness
		topic = TopicHousehold
		keyInfo = "household business services"
	case strings.Contains(question, "business"):
		customerType = model.CustomerBusiness
		topic = TopicBusiness
		keyInfo = "business services"
	case strings.Contains(question, "partner"):
		customerType = model.CustomerPartner
		topic = TopicPartner
		keyInfo = "partner services"
	}

	confidence := m.confidence(topic)

	logger.Log.Debug("mock classifier verdict",
		zap.String("topic", topic),
		zap.String("customerType", string(customerType)),
		zap.Float64("confidence", confidence))

	return &Result{
		Answer:         mockAnswer(topic, customerType),
		Confidence:     confidence,
		ClarifiedQuery: clarifyQuery(req.Question, topic),
		CustomerType:   customerType,
		KeyInformation: keyInfo,
		Topic:          topic,
		Question:       req.Question,
	}, nil
}

func (m *MockClassifier) confidence(topic string) float64 {
	if m.ConfidenceFn != nil {
		return m.ConfidenceFn(topic)
	}
	return 0.85 + m.rnd.Float64()*0.1
}

func mockAnswer(topic string, customerType model.CustomerType) string {
	greeting := "Hello! "
	switch customerType {
	case model.CustomerBusiness:
		greeting = "Hello, valued business customer! "
	case model.CustomerPartner:
		greeting = "Hello, valued partner! "
	case model.CustomerHouseholdBusiness:
		greeting = "Hello, household business owner! "
	}

	body := map[string]string{
		TopicLoan:      "We offer a range of loan packages tailored to your needs. An advisor will walk you through rates and conditions.",
		TopicCard:      "We provide a full set of credit and debit cards with attractive benefits. An advisor will help you pick the right one.",
		TopicAccount:   "We support account opening and online banking services. An advisor will guide you through the details.",
		TopicBusiness:  "We have financial solutions built for businesses. An advisor will match them to the scale of your operation.",
		TopicPartner:   "We offer dedicated programs for our partners. An advisor will introduce the available packages.",
		TopicHousehold: "We have services designed for household businesses. An advisor will assist you shortly.",
	}[topic]
	if body == "" {
		body = "Thank you for your interest in our services. An advisor will assist you shortly."
	}

	return greeting + body + " Please hold on for a moment."
}

func clarifyQuery(question, topic string) string {
	prefix := map[string]string{
		TopicLoan:      "Customer asks about loan services: ",
		TopicCard:      "Customer asks about card services: ",
		TopicAccount:   "Customer asks about bank accounts: ",
		TopicBusiness:  "Business asks about services: ",
		TopicPartner:   "Partner asks about services: ",
		TopicHousehold: "Household business asks about services: ",
	}[topic]
	if prefix == "" {
		prefix = "Customer has a general question: "
	}
	return prefix + question
}
