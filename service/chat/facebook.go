package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"AgentChat/global/config"
	"AgentChat/logger"
	"AgentChat/tools/errs"

	"go.uber.org/zap"
)

// ExternalSender delivers one outbound message to the customer's
// platform and returns the platform message id.
type ExternalSender interface {
	Send(ctx context.Context, recipientID, content string) (string, error)
}

// GraphSender posts messages through the Facebook Graph API.
type GraphSender struct {
	conf   config.FacebookConfig
	client *http.Client
}

func NewGraphSender(conf config.FacebookConfig) *GraphSender {
	timeout := conf.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GraphSender{
		conf:   conf,
		client: &http.Client{Timeout: timeout},
	}
}

type graphSendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	MessagingType string `json:"messaging_type"`
}

type graphSendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
	Error       *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (s *GraphSender) Send(ctx context.Context, recipientID, content string) (string, error) {
	var req graphSendRequest
	req.Recipient.ID = recipientID
	req.Message.Text = content
	req.MessagingType = "RESPONSE"

	body, err := json.Marshal(req)
	if err != nil {
		return "", errs.ErrInvalidPayload.WithDetail(err.Error())
	}

	url := fmt.Sprintf("%s/me/messages?access_token=%s", s.conf.GraphURL, s.conf.PageToken)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", errs.ErrExternalSend.WithDetail(err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", errs.ErrExternalSend.WithDetail(err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errs.ErrExternalSend.WithDetail(err.Error())
	}

	var out graphSendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", errs.ErrExternalSend.WithDetail("unparseable graph response")
	}
	if resp.StatusCode != http.StatusOK || out.Error != nil {
		detail := fmt.Sprintf("status=%d", resp.StatusCode)
		if out.Error != nil {
			detail = fmt.Sprintf("%s code=%d %s", detail, out.Error.Code, out.Error.Message)
		}
		return "", errs.ErrExternalSend.WithDetail(detail)
	}
	return out.MessageID, nil
}

// LogSender is the dev/test sender: it only logs the outbound message.
type LogSender struct{}

func (LogSender) Send(_ context.Context, recipientID, content string) (string, error) {
	logger.Log.Info("outbound message (log sender)",
		zap.String("recipientId", recipientID),
		zap.Int("contentLen", len(content)))
	return "log-" + fmt.Sprint(time.Now().UnixNano()), nil
}
