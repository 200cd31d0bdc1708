// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/samber/oops"
)

// ErrNotFound is returned by collaborators when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrCounterChanged is returned by UpdateCounter when the stored sign counter
// no longer holds the expected value.
var ErrCounterChanged = errors.New("sign counter changed")

// Error codes surfaced by the authentication core.
const (
	CodeInvalidInput              = "INVALID_INPUT"
	CodeAlreadyRegistered         = "ALREADY_REGISTERED"
	CodeRegistrationFailed        = "REGISTRATION_FAILED"
	CodeAuthenticationFailed      = "AUTHENTICATION_FAILED"
	CodeUnauthenticated           = "UNAUTHENTICATED"
	CodeChallengeNotFound         = "CHALLENGE_NOT_FOUND"
	CodeAccountNotActivated       = "ACCOUNT_NOT_ACTIVATED"
	CodeForbidden                 = "FORBIDDEN"
	CodeCredentialNotFound        = "CREDENTIAL_NOT_FOUND"
	CodeUserNotFound              = "USER_NOT_FOUND"
	CodeConflict                  = "CONFLICT"
	CodeUnprocessableCredentialID = "UNPROCESSABLE_CREDENTIAL_ID"
	CodeMalformedResponse         = "MALFORMED_RESPONSE"
	CodeRateLimited               = "RATE_LIMITED"
	CodeChallengeStoreUnavailable = "CHALLENGE_STORE_UNAVAILABLE"
	CodeStoreUnavailable          = "STORE_UNAVAILABLE"
	CodeStoreTimeout              = "STORE_TIMEOUT"
	CodeClientIPUnavailable       = "CLIENT_IP_UNAVAILABLE"
	CodeProviderNotConfigured     = "PROVIDER_NOT_CONFIGURED"
	CodeProviderUnavailable       = "PROVIDER_UNAVAILABLE"
	CodeFederationRejected        = "FEDERATION_REJECTED"
	CodeIdentityAlreadyLinked     = "IDENTITY_ALREADY_LINKED"
)

// Uniform ceremony failure messages. They never reveal which check failed.
const (
	MessageRegistrationFailed    = "Registration failed"
	MessageAuthenticationFailed  = "Authentication failed"
	MessageAlreadyRegistered     = "This email address is already registered. Please sign in."
	MessageNotActivated          = "This user account is not yet activated."
	MessageUnauthenticated       = "This endpoint is available to authenticated clients only. Please sign in."
	MessageForbidden             = "The authenticated user account does not have the rights necessary to access this endpoint."
	MessageRateLimited           = "Please try again later."
	MessageCredentialIDEncoding  = "Credential ID was not base64url-encoded"
	MessageResponseUnparsable    = "Response could not be parsed."
	MessageProviderNotConfigured = "No OpenID Connect provider is configured."
	MessageProviderUnavailable   = "Unable to fetch the OpenID Connect server metadata."
	messageInternal              = "Internal server error"
	messageUnavailable           = "Service temporarily unavailable"
)

// Kind classifies an error for transport mapping.
type Kind int

// Error kinds, one per transport-visible failure class.
const (
	KindInfrastructure Kind = iota
	KindValidation
	KindBindingOrSignature
	KindNotActivated
	KindNotFound
	KindConflict
	KindMalformedEncoding
	KindRateLimited
	KindNotImplemented
	KindUnavailable
)

// String returns the kind name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBindingOrSignature:
		return "binding_or_signature"
	case KindNotActivated:
		return "not_activated"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindMalformedEncoding:
		return "malformed_encoding"
	case KindRateLimited:
		return "rate_limited"
	case KindNotImplemented:
		return "not_implemented"
	case KindUnavailable:
		return "unavailable"
	default:
		return "infrastructure"
	}
}

var codeKinds = map[string]Kind{
	CodeInvalidInput:              KindValidation,
	CodeAlreadyRegistered:         KindConflict,
	CodeRegistrationFailed:        KindBindingOrSignature,
	CodeAuthenticationFailed:      KindBindingOrSignature,
	CodeUnauthenticated:           KindBindingOrSignature,
	CodeChallengeNotFound:         KindBindingOrSignature,
	CodeAccountNotActivated:       KindNotActivated,
	CodeForbidden:                 KindNotActivated,
	CodeCredentialNotFound:        KindNotFound,
	CodeUserNotFound:              KindNotFound,
	CodeConflict:                  KindConflict,
	CodeUnprocessableCredentialID: KindMalformedEncoding,
	CodeMalformedResponse:         KindMalformedEncoding,
	CodeRateLimited:               KindRateLimited,
	CodeProviderNotConfigured:     KindNotImplemented,
	CodeProviderUnavailable:       KindUnavailable,
	CodeFederationRejected:        KindBindingOrSignature,
	CodeIdentityAlreadyLinked:     KindConflict,
}

// KindOf classifies err by its oops code. Errors without a known code are
// infrastructure failures.
func KindOf(err error) Kind {
	if kind, ok := codeKinds[CodeOf(err)]; ok {
		return kind
	}
	return KindInfrastructure
}

// CodeOf returns the oops code carried by err, or "" when there is none.
func CodeOf(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok || oopsErr.Code() == nil {
		return ""
	}
	return fmt.Sprint(oopsErr.Code())
}

// Status returns the HTTP status code for err.
func Status(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindBindingOrSignature:
		return http.StatusUnauthorized
	case KindNotActivated:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindMalformedEncoding:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotImplemented:
		return http.StatusNotImplemented
	case KindUnavailable:
		return http.StatusServiceUnavailable
	}
	if CodeOf(err) == CodeStoreTimeout {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// PublicMessage extracts a client-facing message from an error. Messages of
// infrastructure failures are replaced by a generic text.
func PublicMessage(err error) string {
	if err == nil {
		return messageInternal
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return messageInternal
	}

	switch CodeOf(err) {
	case CodeRegistrationFailed:
		return MessageRegistrationFailed
	case CodeAuthenticationFailed:
		return MessageAuthenticationFailed
	case CodeAlreadyRegistered, CodeConflict:
		return MessageAlreadyRegistered
	case CodeAccountNotActivated:
		return MessageNotActivated
	case CodeUnauthenticated:
		return MessageUnauthenticated
	case CodeChallengeNotFound:
		return "Challenge not found or expired."
	case CodeForbidden:
		return MessageForbidden
	case CodeRateLimited:
		return MessageRateLimited
	case CodeUnprocessableCredentialID:
		return MessageCredentialIDEncoding
	case CodeStoreTimeout:
		return messageUnavailable
	case CodeClientIPUnavailable:
		return "No IP address found."
	case CodeProviderNotConfigured:
		return MessageProviderNotConfigured
	case CodeProviderUnavailable:
		return MessageProviderUnavailable
	case CodeInvalidInput, CodeCredentialNotFound, CodeUserNotFound, CodeMalformedResponse,
		CodeFederationRejected, CodeIdentityAlreadyLinked:
		if msg, ok := oopsErr.Context()["message"].(string); ok && msg != "" {
			return msg
		}
		return oopsErr.Error()
	default:
		return messageInternal
	}
}

// ErrInvalidInput creates a validation error with a client-facing message.
func ErrInvalidInput(field, message string) error {
	return oops.Code(CodeInvalidInput).
		With("field", field).
		With("message", message).
		Errorf("%s", message)
}

// ErrAlreadyRegistered creates the error returned when an email already owns a credential.
func ErrAlreadyRegistered(email string) error {
	return oops.Code(CodeAlreadyRegistered).
		With("email", email).
		Errorf("%s", MessageAlreadyRegistered)
}

// ErrRegistrationFailed creates the uniform registration failure.
func ErrRegistrationFailed() error {
	return oops.Code(CodeRegistrationFailed).Errorf("%s", MessageRegistrationFailed)
}

// ErrAuthenticationFailed creates the uniform authentication failure.
func ErrAuthenticationFailed() error {
	return oops.Code(CodeAuthenticationFailed).Errorf("%s", MessageAuthenticationFailed)
}

// ErrUnauthenticated creates the error for a missing, invalid or expired session.
func ErrUnauthenticated() error {
	return oops.Code(CodeUnauthenticated).Errorf("%s", MessageUnauthenticated)
}

// ErrChallengeNotFound creates the error for a missing, expired or already
// consumed challenge.
func ErrChallengeNotFound() error {
	return oops.Code(CodeChallengeNotFound).Errorf("challenge not found")
}

// ErrForbidden creates the error for an authenticated user lacking access rights.
func ErrForbidden(required AccessRights) error {
	return oops.Code(CodeForbidden).
		With("required_rights", uint8(required)).
		Errorf("%s", MessageForbidden)
}

// ErrAccountNotActivated creates the error for sign-ins of inactive accounts.
func ErrAccountNotActivated(email string) error {
	return oops.Code(CodeAccountNotActivated).
		With("email", email).
		Errorf("%s", MessageNotActivated)
}

// ErrCredentialNotFound creates the error for an unknown credential id.
func ErrCredentialNotFound(credentialID string) error {
	message := "User with credential " + credentialID + " not found."
	return oops.Code(CodeCredentialNotFound).
		With("credential_id", credentialID).
		With("message", message).
		Errorf("%s", message)
}

// ErrUserNotFound creates the error for an unknown user.
func ErrUserNotFound(email string) error {
	message := "User " + email + " not found."
	return oops.Code(CodeUserNotFound).
		With("email", email).
		With("message", message).
		Errorf("%s", message)
}

// ErrConflict creates the error for a registration that lost a race.
func ErrConflict(email string) error {
	return oops.Code(CodeConflict).
		With("email", email).
		Errorf("%s", MessageAlreadyRegistered)
}

// ErrUnprocessableCredentialID creates the error for an invalid credential id encoding.
func ErrUnprocessableCredentialID() error {
	return oops.Code(CodeUnprocessableCredentialID).Errorf("%s", MessageCredentialIDEncoding)
}

// ErrMalformedResponse creates the error for an undecodable ceremony response.
func ErrMalformedResponse(message string) error {
	return oops.Code(CodeMalformedResponse).
		With("message", message).
		Errorf("%s", message)
}

// ErrProviderNotConfigured creates the error for OpenID Connect requests
// while no provider is configured.
func ErrProviderNotConfigured() error {
	return oops.Code(CodeProviderNotConfigured).Errorf("%s", MessageProviderNotConfigured)
}

// ErrProviderUnavailable creates the error for a provider whose discovery
// document could not be fetched.
func ErrProviderUnavailable(issuer string, err error) error {
	return oops.Code(CodeProviderUnavailable).
		With("issuer", issuer).
		Wrapf(err, "%s", MessageProviderUnavailable)
}

// ErrFederationRejected creates the error for a provider response that
// verified but cannot sign anyone in.
func ErrFederationRejected(message string) error {
	return oops.Code(CodeFederationRejected).
		With("message", message).
		Errorf("%s", message)
}

// ErrIdentityAlreadyLinked creates the error for linking a second identity to
// one user.
func ErrIdentityAlreadyLinked(email string) error {
	message := "User " + email + " already has an OpenID Connect identity."
	return oops.Code(CodeIdentityAlreadyLinked).
		With("email", email).
		With("message", message).
		Errorf("%s", message)
}

// ErrRateLimited creates the error for a client that exceeded its request budget.
func ErrRateLimited(ip string, retryAfterSeconds int64) error {
	return oops.Code(CodeRateLimited).
		With("ip", ip).
		With("retry_after_s", retryAfterSeconds).
		Errorf("%s", MessageRateLimited)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
