// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package httpapi

import (
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"

	"github.com/rating-tracker/authcore/internal/challenge"
)

// CredentialParameter names an accepted public key algorithm.
type CredentialParameter struct {
	Type protocol.CredentialType              `json:"type"`
	Alg  webauthncose.COSEAlgorithmIdentifier `json:"alg"`
}

// CredentialDescriptor names an existing credential.
type CredentialDescriptor struct {
	Type protocol.CredentialType `json:"type"`
	ID   string                  `json:"id"`
}

// RelyingPartyEntity is the rp member of creation options.
type RelyingPartyEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserEntity is the user member of creation options.
type UserEntity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// AuthenticatorSelection requires a discoverable, user-verifying credential.
type AuthenticatorSelection struct {
	ResidentKey        protocol.ResidentKeyRequirement      `json:"residentKey"`
	RequireResidentKey bool                                 `json:"requireResidentKey"`
	UserVerification   protocol.UserVerificationRequirement `json:"userVerification"`
}

// CreationOptions is PublicKeyCredentialCreationOptionsJSON.
type CreationOptions struct {
	RP                     RelyingPartyEntity            `json:"rp"`
	User                   UserEntity                    `json:"user"`
	Challenge              string                        `json:"challenge"`
	PubKeyCredParams       []CredentialParameter         `json:"pubKeyCredParams"`
	Timeout                int64                         `json:"timeout"`
	ExcludeCredentials     []CredentialDescriptor        `json:"excludeCredentials"`
	AuthenticatorSelection AuthenticatorSelection        `json:"authenticatorSelection"`
	Attestation            protocol.ConveyancePreference `json:"attestation"`
}

// RequestOptions is PublicKeyCredentialRequestOptionsJSON. The credential
// list is empty so the authenticator offers its discoverable credentials.
type RequestOptions struct {
	Challenge        string                               `json:"challenge"`
	Timeout          int64                                `json:"timeout"`
	RPID             string                               `json:"rpId"`
	AllowCredentials []CredentialDescriptor               `json:"allowCredentials"`
	UserVerification protocol.UserVerificationRequirement `json:"userVerification"`
}

// SupportedAlgorithms lists the accepted algorithms in order of preference.
var SupportedAlgorithms = []webauthncose.COSEAlgorithmIdentifier{
	webauthncose.AlgES256,
	webauthncose.AlgEdDSA,
	webauthncose.AlgRS256,
}

func creationOptions(rp RelyingParty, c *challenge.Challenge, ttl time.Duration) CreationOptions {
	params := make([]CredentialParameter, 0, len(SupportedAlgorithms))
	for _, alg := range SupportedAlgorithms {
		params = append(params, CredentialParameter{Type: protocol.PublicKeyCredentialType, Alg: alg})
	}
	exclude := make([]CredentialDescriptor, 0, len(c.ExcludeCredentials))
	for _, id := range c.ExcludeCredentials {
		exclude = append(exclude, CredentialDescriptor{Type: protocol.PublicKeyCredentialType, ID: id})
	}

	return CreationOptions{
		RP: RelyingPartyEntity{ID: rp.ID, Name: rp.Name},
		User: UserEntity{
			ID:          c.UserHandle,
			Name:        c.BoundEmail,
			DisplayName: c.DisplayName,
		},
		Challenge:          c.Value,
		PubKeyCredParams:   params,
		Timeout:            ttl.Milliseconds(),
		ExcludeCredentials: exclude,
		AuthenticatorSelection: AuthenticatorSelection{
			ResidentKey:        protocol.ResidentKeyRequirementRequired,
			RequireResidentKey: true,
			UserVerification:   protocol.VerificationRequired,
		},
		Attestation: protocol.PreferNoAttestation,
	}
}

func requestOptions(rp RelyingParty, c *challenge.Challenge, ttl time.Duration) RequestOptions {
	return RequestOptions{
		Challenge:        c.Value,
		Timeout:          ttl.Milliseconds(),
		RPID:             rp.ID,
		AllowCredentials: []CredentialDescriptor{},
		UserVerification: protocol.VerificationRequired,
	}
}
