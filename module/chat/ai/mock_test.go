package ai

import (
	"context"
	"testing"

	"AgentChat/module/chat/model"

	"github.com/stretchr/testify/require"
)

func TestMockClassifierTopics(t *testing.T) {
	cases := []struct {
		question     string
		topic        string
		customerType model.CustomerType
	}{
		{"I need a loan for my house", TopicLoan, model.CustomerIndividual},
		{"my card is blocked", TopicCard, model.CustomerIndividual},
		{"how do I open an account", TopicAccount, model.CustomerIndividual},
		{"business loan options", TopicLoan, model.CustomerIndividual},
		{"services for my business", TopicBusiness, model.CustomerBusiness},
		{"household business registration", TopicHousehold, model.CustomerHouseholdBusiness},
		{"partner program details", TopicPartner, model.CustomerPartner},
		{"hello there", TopicGeneral, model.CustomerIndividual},
	}

	m := NewMockClassifier()
	for _, tc := range cases {
		res, err := m.Analyze(context.Background(), Request{Question: tc.question})
		require.NoError(t, err, tc.question)
		require.Equal(t, tc.topic, res.Topic, tc.question)
		require.Equal(t, tc.customerType, res.CustomerType, tc.question)
		require.NotEmpty(t, res.Answer, tc.question)
		require.GreaterOrEqual(t, res.Confidence, 0.85, tc.question)
		require.Less(t, res.Confidence, 0.95, tc.question)
	}
}

func TestMockClassifierConfidenceFn(t *testing.T) {
	m := NewMockClassifier()
	m.ConfidenceFn = func(topic string) float64 {
		if topic == TopicLoan {
			return 0.95
		}
		return 0.3
	}

	res, err := m.Analyze(context.Background(), Request{Question: "loan please"})
	require.NoError(t, err)
	require.InDelta(t, 0.95, res.Confidence, 1e-9)

	res, err = m.Analyze(context.Background(), Request{Question: "something vague"})
	require.NoError(t, err)
	require.InDelta(t, 0.3, res.Confidence, 1e-9)
}
