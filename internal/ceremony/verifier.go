// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package ceremony verifies WebAuthn registration and authentication
// responses against issued challenges.
//
// Binding and signature failures leave the verifier as one uniform error per
// ceremony. The failing check is logged at debug level and then discarded,
// so callers cannot learn which check failed.
package ceremony

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rating-tracker/authcore/internal/auth"
	"github.com/rating-tracker/authcore/internal/challenge"
	"github.com/rating-tracker/authcore/internal/observability"
	"github.com/rating-tracker/authcore/internal/passkey"
)

var tracer = otel.Tracer("authcore/ceremony")

// Ceremony names used in spans and metrics.
const (
	Registration   = "registration"
	Authentication = "authentication"
)

// Decoder turns response bodies into decoded ceremony data and verifies
// signatures. passkey.Codec implements it.
type Decoder interface {
	DecodeRegistration(body []byte) (*passkey.Registration, error)
	DecodeAssertion(body []byte) (*passkey.Assertion, error)
	VerifySignature(publicKey, data, sig []byte) error
}

// Challenges consumes issued challenges.
type Challenges interface {
	Consume(ctx context.Context, value string) (*challenge.Challenge, error)
}

// Enroller persists a verified registration. access.Gate implements it.
type Enroller interface {
	Enroll(ctx context.Context, email, displayName string, cred *auth.Credential) (*auth.User, error)
}

// Config holds the relying party identity responses are bound to.
type Config struct {
	RPID   string
	Origin string
}

// Verifier runs the verification half of both ceremonies.
type Verifier struct {
	challenges  Challenges
	decoder     Decoder
	credentials auth.CredentialStore
	enroller    Enroller
	origin      string
	rpIDHash    []byte
	logger      *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewVerifier creates a Verifier.
func NewVerifier(challenges Challenges, decoder Decoder, credentials auth.CredentialStore, enroller Enroller, cfg Config, opts ...Option) (*Verifier, error) {
	if challenges == nil {
		return nil, oops.Errorf("challenge issuer is required")
	}
	if decoder == nil {
		return nil, oops.Errorf("decoder is required")
	}
	if credentials == nil {
		return nil, oops.Errorf("credential store is required")
	}
	if enroller == nil {
		return nil, oops.Errorf("enroller is required")
	}
	if cfg.RPID == "" || cfg.Origin == "" {
		return nil, oops.Errorf("relying party id and origin are required")
	}

	v := &Verifier{
		challenges:  challenges,
		decoder:     decoder,
		credentials: credentials,
		enroller:    enroller,
		origin:      cfg.Origin,
		rpIDHash:    passkey.RPIDHash(cfg.RPID),
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// VerifyRegistration consumes the challenge, decodes and binds the
// attestation, and enrolls the credential for the challenge's email.
func (v *Verifier) VerifyRegistration(ctx context.Context, challengeValue string, body []byte) (cred *auth.Credential, err error) {
	ctx, span := tracer.Start(ctx, "ceremony.verify_registration")
	defer func() { v.finish(span, Registration, err) }()

	c, err := v.consume(ctx, challengeValue, challenge.PurposeRegistration, Registration)
	if err != nil {
		return nil, err
	}

	reg, err := v.decoder.DecodeRegistration(body)
	if err != nil {
		return nil, v.decodeError(ctx, Registration, err)
	}

	if reason := v.bind(c, reg.ClientData, passkey.TypeCreate, reg.RPIDHash, reg.Flags); reason != "" {
		return nil, v.fail(ctx, Registration, reason)
	}

	cred, err = auth.NewCredential(reg.CredentialID, c.BoundEmail, reg.PublicKey, reg.SignCounter)
	if err != nil {
		return nil, auth.ErrMalformedResponse("Credential data is incomplete.")
	}

	span.SetAttributes(attribute.String("credential.id", cred.EncodedID()))
	if _, err := v.enroller.Enroll(ctx, c.BoundEmail, c.DisplayName, cred); err != nil {
		return nil, err
	}

	v.logger.InfoContext(ctx, "credential registered",
		"email", c.BoundEmail,
		"credential_id", cred.EncodedID(),
	)
	return cred, nil
}

// VerifyAuthentication consumes the challenge, binds the assertion, checks
// the signature and sign counter, and returns the credential owner's email.
func (v *Verifier) VerifyAuthentication(ctx context.Context, challengeValue string, body []byte) (email string, err error) {
	ctx, span := tracer.Start(ctx, "ceremony.verify_authentication")
	defer func() { v.finish(span, Authentication, err) }()

	c, err := v.consume(ctx, challengeValue, challenge.PurposeAuthentication, Authentication)
	if err != nil {
		return "", err
	}

	as, err := v.decoder.DecodeAssertion(body)
	if err != nil {
		return "", v.decodeError(ctx, Authentication, err)
	}

	if reason := v.bind(c, as.ClientData, passkey.TypeGet, as.RPIDHash, as.Flags); reason != "" {
		return "", v.fail(ctx, Authentication, reason)
	}

	encodedID := auth.EncodeID(as.CredentialID)
	span.SetAttributes(attribute.String("credential.id", encodedID))

	cred, err := v.credentials.FindByID(ctx, as.CredentialID)
	if errors.Is(err, auth.ErrNotFound) {
		return "", auth.ErrCredentialNotFound(encodedID)
	}
	if err != nil {
		return "", oops.With("operation", "find credential").
			With("credential_id", encodedID).
			Wrap(err)
	}

	if err := v.decoder.VerifySignature(cred.PublicKey, as.SignedData, as.Signature); err != nil {
		v.logger.DebugContext(ctx, "assertion signature rejected", "error", err)
		return "", v.fail(ctx, Authentication, "signature invalid")
	}

	if !CounterAdvanced(cred.SignCounter, as.SignCounter) {
		v.logger.WarnContext(ctx, "sign counter did not increase, possible cloned authenticator",
			"credential_id", encodedID,
			"stored_counter", cred.SignCounter,
			"presented_counter", as.SignCounter,
		)
		return "", v.fail(ctx, Authentication, "sign counter not increased")
	}

	if as.SignCounter != cred.SignCounter {
		err := v.credentials.UpdateCounter(ctx, cred.ID, cred.SignCounter, as.SignCounter)
		if errors.Is(err, auth.ErrCounterChanged) || errors.Is(err, auth.ErrNotFound) {
			v.logger.WarnContext(ctx, "sign counter changed during assertion",
				"credential_id", encodedID,
				"stored_counter", cred.SignCounter,
				"presented_counter", as.SignCounter,
			)
			return "", v.fail(ctx, Authentication, "sign counter raced")
		}
		if err != nil {
			return "", oops.With("operation", "update sign counter").
				With("credential_id", encodedID).
				Wrap(err)
		}
	}

	return cred.OwnerEmail, nil
}

// CounterAdvanced reports whether presented may follow stored. The counter
// must strictly increase, except that authenticators without counter support
// report zero forever.
func CounterAdvanced(stored, presented uint32) bool {
	if stored == 0 && presented == 0 {
		return true
	}
	return presented > stored
}

// consume takes the challenge and checks its purpose. Only store failures
// escape as themselves; anything else is the uniform ceremony failure.
func (v *Verifier) consume(ctx context.Context, value string, purpose challenge.Purpose, ceremony string) (*challenge.Challenge, error) {
	c, err := v.challenges.Consume(ctx, value)
	if err != nil {
		if auth.CodeOf(err) == auth.CodeChallengeNotFound {
			return nil, v.fail(ctx, ceremony, "challenge not found")
		}
		return nil, oops.With("operation", "consume challenge").Wrap(err)
	}
	if c.Purpose != purpose {
		return nil, v.fail(ctx, ceremony, "challenge purpose mismatch")
	}
	return c, nil
}

// bind returns the first failed binding check, or "" if all pass.
func (v *Verifier) bind(c *challenge.Challenge, cd passkey.ClientData, wantType string, rpIDHash []byte, flags passkey.Flags) string {
	switch {
	case cd.Type != wantType:
		return "ceremony type mismatch"
	case subtle.ConstantTimeCompare([]byte(cd.Challenge), []byte(c.Value)) != 1:
		return "challenge mismatch"
	case cd.Origin != v.origin:
		return "origin mismatch"
	case subtle.ConstantTimeCompare(rpIDHash, v.rpIDHash) != 1:
		return "relying party id hash mismatch"
	case !flags.UserPresent:
		return "user not present"
	case !flags.UserVerified:
		return "user not verified"
	}
	return ""
}

// fail logs reason and returns the uniform error of ceremony.
func (v *Verifier) fail(ctx context.Context, ceremony, reason string) error {
	v.logger.DebugContext(ctx, "ceremony rejected", "ceremony", ceremony, "reason", reason)
	if ceremony == Registration {
		return auth.ErrRegistrationFailed()
	}
	return auth.ErrAuthenticationFailed()
}

// decodeError passes encoding errors through and treats anything else as
// malformed. The decoder's detail is logged, not returned.
func (v *Verifier) decodeError(ctx context.Context, ceremony string, err error) error {
	v.logger.DebugContext(ctx, "ceremony response rejected",
		"ceremony", ceremony,
		"error", err,
	)
	if auth.KindOf(err) == auth.KindMalformedEncoding {
		return err
	}
	return auth.ErrMalformedResponse(auth.MessageResponseUnparsable)
}

func (v *Verifier) finish(span trace.Span, ceremony string, err error) {
	outcome := "success"
	if err != nil {
		outcome = auth.KindOf(err).String()
		span.SetAttributes(attribute.String("ceremony.outcome", outcome))
		span.SetStatus(codes.Error, auth.PublicMessage(err))
	}
	observability.RecordCeremony(ceremony, outcome)
	span.End()
}
