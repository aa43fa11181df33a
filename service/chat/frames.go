package chat

import (
	"encoding/json"

	"AgentChat/module/chat/model"
	"AgentChat/tools/errs"
)

// ParseFrame decodes one client frame. Unknown frame types are rejected
// here so the read loop never dispatches on a raw string.
func ParseFrame(raw []byte) (*model.Frame, error) {
	var f model.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrInvalidPayload.WithDetail(err.Error())
	}
	switch f.Type {
	case model.FrameAuth, model.FrameSendMessage, model.FrameTyping, model.FramePing:
	default:
		return nil, errs.ErrInvalidPayload.WithDetail("unknown frame type: " + string(f.Type))
	}
	return &f, nil
}

func decodePayload[T any](f *model.Frame) (*T, error) {
	var p T
	if len(f.Payload) == 0 {
		return nil, errs.ErrInvalidPayload.WithDetail("empty payload")
	}
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, errs.ErrInvalidPayload.WithDetail(err.Error())
	}
	return &p, nil
}

// checkSenderIdentity rejects frames whose declared sender differs from
// the authenticated session user. An empty senderId is allowed and filled
// from the session.
func checkSenderIdentity(authUserID, declaredSenderID string) error {
	if declaredSenderID != "" && declaredSenderID != authUserID {
		return errs.ErrIdentityMismatch
	}
	return nil
}
