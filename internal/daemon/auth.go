package daemon

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/channel"
	"github.com/parley-im/parley/internal/rest"
	"github.com/parley-im/parley/internal/session"
	"github.com/parley-im/parley/internal/status"
)

// Authenticator drives the phone-number/OTP login flow for a daemon
// stuck in AuthRequired. On success it fills the shared credential the
// REST client and channel read their token from, persists it, and
// brings the channel up.
type Authenticator struct {
	sessionName string
	client      *rest.Client
	creds       *session.Credentials
	machine     *status.Machine
	ch          *channel.Channel
	logger      *zap.Logger
}

// NewAuthenticator creates the login helper.
func NewAuthenticator(p Params, client *rest.Client, creds *session.Credentials, machine *status.Machine, ch *channel.Channel, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		sessionName: p.SessionName,
		client:      client,
		creds:       creds,
		machine:     machine,
		ch:          ch,
		logger:      logger,
	}
}

// RequestCode asks the server to send a one-time code.
func (a *Authenticator) RequestCode(ctx context.Context, phoneNumber string) error {
	return a.client.SendOTP(ctx, phoneNumber)
}

// SubmitCode verifies the code, caches the credential, and connects.
func (a *Authenticator) SubmitCode(ctx context.Context, phoneNumber, otp string) error {
	res, err := a.client.VerifyOTP(ctx, phoneNumber, otp)
	if err != nil {
		return fmt.Errorf("verify code: %w", err)
	}

	a.creds.SetIdentity(res.Token, res.User.ID, res.User.Username)
	if err := session.SaveCredentials(a.sessionName, a.creds); err != nil {
		return fmt.Errorf("cache credentials: %w", err)
	}
	a.logger.Info("authenticated", zap.String("user", res.User.ID))

	if a.machine.Current() != status.AuthRequired {
		return nil
	}
	return a.ch.Connect(ctx)
}
