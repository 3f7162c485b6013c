// internal/websocket/handler/otp.go
package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	wstypes "authsync-service/internal/domain/websocket"
	"authsync-service/internal/otp"
	xerrors "authsync-service/internal/pkg/errors"
	ws "authsync-service/internal/websocket"
)

// ChallengeSource finds the OTP challenge a device is working on
type ChallengeSource interface {
	Challenge(deviceID string) (*otp.Machine, bool)
}

// OTPHandler lets a socket type into the device's OTP challenge. The
// resulting state reaches the socket through the otp:state stream.
type OTPHandler struct {
	challenges ChallengeSource
	logger     *zap.Logger
}

func NewOTPHandler(challenges ChallengeSource, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		challenges: challenges,
		logger:     logger,
	}
}

// SupportedEvents returns events this handler supports
func (h *OTPHandler) SupportedEvents() []wstypes.EventType {
	return []wstypes.EventType{
		wstypes.EventTypeOTPDigit,
		wstypes.EventTypeOTPBackspace,
		wstypes.EventTypeOTPPaste,
		wstypes.EventTypeOTPResend,
	}
}

// HandleMessage processes OTP input messages
func (h *OTPHandler) HandleMessage(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	m, ok := h.challenges.Challenge(client.DeviceID())
	if !ok {
		client.SendError("no_challenge", "No verification in progress", "")
		return nil
	}

	var (
		state otp.State
		err   error
	)
	switch msg.Type {
	case wstypes.EventTypeOTPDigit:
		var req wstypes.OTPDigitData
		if err := ws.MapToStruct(msg.Data, &req); err != nil {
			client.SendError("invalid_request", "Invalid digit request", err.Error())
			return nil
		}
		if req.Digit == "" {
			state, err = m.Backspace(req.Index)
		} else {
			state, err = m.EnterDigit(ctx, req.Index, req.Digit)
		}

	case wstypes.EventTypeOTPBackspace:
		var req wstypes.OTPDigitData
		if err := ws.MapToStruct(msg.Data, &req); err != nil {
			client.SendError("invalid_request", "Invalid backspace request", err.Error())
			return nil
		}
		state, err = m.Backspace(req.Index)

	case wstypes.EventTypeOTPPaste:
		var req wstypes.OTPPasteData
		if err := ws.MapToStruct(msg.Data, &req); err != nil {
			client.SendError("invalid_request", "Invalid paste request", err.Error())
			return nil
		}
		state, err = m.Paste(ctx, req.Code)

	case wstypes.EventTypeOTPResend:
		state, err = m.Resend(ctx)

	default:
		return fmt.Errorf("unsupported event type: %s", msg.Type)
	}

	// a rejected code is part of the state, not a socket error
	if err != nil && state.Status != otp.StatusFailed {
		client.SendError(string(xerrors.KindOf(err)), err.Error(), "")
	}
	return nil
}
