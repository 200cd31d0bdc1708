// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package passkey decodes W3C WebAuthn response JSON and verifies COSE
// signatures. Parsing and key handling are delegated to go-webauthn; the
// ceremony rules live in package ceremony.
package passkey

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/samber/oops"

	"github.com/rating-tracker/authcore/internal/auth"
)

// Ceremony types carried in the client data.
const (
	TypeCreate = string(protocol.CreateCeremony)
	TypeGet    = string(protocol.AssertCeremony)
)

// ClientData is the subset of CollectedClientData the binding checks need.
type ClientData struct {
	Type      string
	Challenge string
	Origin    string
}

// Flags are the authenticator data flags the binding checks need.
type Flags struct {
	UserPresent  bool
	UserVerified bool
}

// Registration is a decoded attestation (registration) response.
type Registration struct {
	CredentialID []byte
	PublicKey    []byte // COSE_Key
	SignCounter  uint32
	RPIDHash     []byte
	Flags        Flags
	ClientData   ClientData
}

// Assertion is a decoded assertion (authentication) response.
type Assertion struct {
	CredentialID []byte
	UserHandle   []byte
	SignCounter  uint32
	RPIDHash     []byte
	Flags        Flags
	ClientData   ClientData
	// SignedData is authenticatorData || SHA-256(clientDataJSON).
	SignedData []byte
	Signature  []byte
}

// Codec decodes ceremony responses and verifies signatures.
type Codec struct{}

// envelope holds the fields read before go-webauthn parses the body.
type envelope struct {
	ID       string `json:"id"`
	RawID    string `json:"rawId"`
	Response struct {
		ClientDataJSON string `json:"clientDataJSON"`
	} `json:"response"`
}

// peekEnvelope decodes the outer JSON and checks that id is base64url and
// names the same credential as rawId.
func peekEnvelope(body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, auth.ErrMalformedResponse("Response is not valid JSON.")
	}
	id, err := decodeBase64URL(env.ID)
	if err != nil || len(id) == 0 {
		return nil, auth.ErrUnprocessableCredentialID()
	}
	if env.RawID != "" {
		rawID, err := decodeBase64URL(env.RawID)
		if err != nil || !bytes.Equal(id, rawID) {
			return nil, auth.ErrUnprocessableCredentialID()
		}
	}
	return &env, nil
}

// PeekChallenge returns the challenge embedded in the response's client data
// without verifying anything.
func PeekChallenge(body []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", auth.ErrMalformedResponse("Response is not valid JSON.")
	}
	raw, err := decodeBase64URL(env.Response.ClientDataJSON)
	if err != nil {
		return "", auth.ErrMalformedResponse("Client data is not base64url-encoded.")
	}
	var cd struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(raw, &cd); err != nil || cd.Challenge == "" {
		return "", auth.ErrMalformedResponse("Client data does not contain a challenge.")
	}
	return cd.Challenge, nil
}

// DecodeRegistration decodes a RegistrationResponseJSON body.
func (Codec) DecodeRegistration(body []byte) (*Registration, error) {
	if _, err := peekEnvelope(body); err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBytes(body)
	if err != nil {
		return nil, malformed(err)
	}

	authData := parsed.Response.AttestationObject.AuthData
	if len(authData.AttData.CredentialID) == 0 || len(authData.AttData.CredentialPublicKey) == 0 {
		return nil, auth.ErrMalformedResponse("Attested credential data is missing.")
	}
	if !bytes.Equal(authData.AttData.CredentialID, parsed.RawID) {
		return nil, auth.ErrUnprocessableCredentialID()
	}

	return &Registration{
		CredentialID: bytes.Clone(parsed.RawID),
		PublicKey:    bytes.Clone(authData.AttData.CredentialPublicKey),
		SignCounter:  authData.Counter,
		RPIDHash:     authData.RPIDHash,
		Flags: Flags{
			UserPresent:  authData.Flags.UserPresent(),
			UserVerified: authData.Flags.UserVerified(),
		},
		ClientData: clientData(parsed.Response.CollectedClientData),
	}, nil
}

// DecodeAssertion decodes an AuthenticationResponseJSON body.
func (Codec) DecodeAssertion(body []byte) (*Assertion, error) {
	if _, err := peekEnvelope(body); err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBytes(body)
	if err != nil {
		return nil, malformed(err)
	}

	rawAuthData := parsed.Raw.AssertionResponse.AuthenticatorData
	clientDataHash := sha256.Sum256(parsed.Raw.AssertionResponse.ClientDataJSON)
	signed := make([]byte, 0, len(rawAuthData)+len(clientDataHash))
	signed = append(signed, rawAuthData...)
	signed = append(signed, clientDataHash[:]...)

	authData := parsed.Response.AuthenticatorData
	return &Assertion{
		CredentialID: bytes.Clone(parsed.RawID),
		UserHandle:   bytes.Clone(parsed.Response.UserHandle),
		SignCounter:  authData.Counter,
		RPIDHash:     authData.RPIDHash,
		Flags: Flags{
			UserPresent:  authData.Flags.UserPresent(),
			UserVerified: authData.Flags.UserVerified(),
		},
		ClientData: clientData(parsed.Response.CollectedClientData),
		SignedData: signed,
		Signature:  bytes.Clone(parsed.Response.Signature),
	}, nil
}

// VerifySignature checks sig over data with a COSE public key.
func (Codec) VerifySignature(publicKey, data, sig []byte) error {
	key, err := webauthncose.ParsePublicKey(publicKey)
	if err != nil {
		return oops.Code("SIGNATURE_KEY_INVALID").
			With("operation", "parse COSE key").
			Wrap(err)
	}
	ok, err := webauthncose.VerifySignature(key, data, sig)
	if err != nil {
		return oops.Code("SIGNATURE_INVALID").
			With("operation", "verify signature").
			Wrap(err)
	}
	if !ok {
		return oops.Code("SIGNATURE_INVALID").Errorf("signature mismatch")
	}
	return nil
}

// RPIDHash returns SHA-256 of the relying party id.
func RPIDHash(rpID string) []byte {
	h := sha256.Sum256([]byte(rpID))
	return h[:]
}

func clientData(c protocol.CollectedClientData) ClientData {
	return ClientData{
		Type:      string(c.Type),
		Challenge: c.Challenge,
		Origin:    c.Origin,
	}
}

// malformed maps a go-webauthn parse error to a client-facing 422. The
// library's explanation stays in the error context and never reaches clients.
func malformed(err error) error {
	detail := err.Error()
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.Details != "" {
		detail = perr.Details
	}
	return oops.With("detail", detail).Wrap(auth.ErrMalformedResponse(auth.MessageResponseUnparsable))
}

// decodeBase64URL accepts unpadded and padded base64url.
func decodeBase64URL(s string) ([]byte, error) {
	if s == "" {
		return nil, oops.Errorf("empty value")
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
