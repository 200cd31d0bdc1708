// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package passkeytest provides a software authenticator that produces real
// WebAuthn registration and assertion responses for tests.
package passkeytest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
	"github.com/samber/oops"
)

// Authenticator data flag bits.
const (
	FlagUserPresent  byte = 0x01
	FlagUserVerified byte = 0x04
	FlagAttestedData byte = 0x40
)

// COSE parameters of an ES256 key.
const (
	coseKeyTypeEC2  = 2
	coseAlgES256    = -7
	coseCurveP256   = 1
	credentialIDLen = 32
)

// Authenticator is an ES256 platform authenticator with one credential.
type Authenticator struct {
	RPID   string
	Origin string

	CredentialID []byte
	// Counter is the sign counter reported by the next assertion.
	Counter uint32

	key *ecdsa.PrivateKey
}

// New creates an Authenticator with a fresh key pair and credential id.
func New(rpID, origin string) (*Authenticator, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, oops.With("operation", "generate key").Wrap(err)
	}
	id := make([]byte, credentialIDLen)
	if _, err := rand.Read(id); err != nil {
		return nil, oops.With("operation", "generate credential id").Wrap(err)
	}
	return &Authenticator{RPID: rpID, Origin: origin, CredentialID: id, key: key}, nil
}

// MustNew is New that panics on error.
func MustNew(rpID, origin string) *Authenticator {
	a, err := New(rpID, origin)
	if err != nil {
		panic(err)
	}
	return a
}

// EncodedID returns the base64url credential id.
func (a *Authenticator) EncodedID() string {
	return base64.RawURLEncoding.EncodeToString(a.CredentialID)
}

// COSEKey returns the CBOR-encoded COSE_Key of the public key.
func (a *Authenticator) COSEKey() []byte {
	x := make([]byte, 32)
	y := make([]byte, 32)
	a.key.PublicKey.X.FillBytes(x)
	a.key.PublicKey.Y.FillBytes(y)

	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	out, err := em.Marshal(map[int]any{
		1:  coseKeyTypeEC2,
		3:  coseAlgES256,
		-1: coseCurveP256,
		-2: x,
		-3: y,
	})
	if err != nil {
		panic(err)
	}
	return out
}

// Response alters a generated response before it is encoded.
type Response struct {
	Type         string
	Challenge    string
	Origin       string
	RPID         string
	Flags        byte
	Counter      uint32
	ID           string
	RawID        string
	BadSignature bool
}

// Modifier changes a Response.
type Modifier func(*Response)

// WithType sets the client data type.
func WithType(t string) Modifier { return func(r *Response) { r.Type = t } }

// WithOrigin sets the client data origin.
func WithOrigin(origin string) Modifier { return func(r *Response) { r.Origin = origin } }

// WithRPID sets the relying party id whose hash goes into authenticator data.
func WithRPID(rpID string) Modifier { return func(r *Response) { r.RPID = rpID } }

// WithFlags sets the authenticator data flags.
func WithFlags(flags byte) Modifier { return func(r *Response) { r.Flags = flags } }

// WithCounter overrides the sign counter.
func WithCounter(counter uint32) Modifier { return func(r *Response) { r.Counter = counter } }

// WithID overrides the id field.
func WithID(id string) Modifier { return func(r *Response) { r.ID = id } }

// WithRawID overrides the rawId field.
func WithRawID(rawID string) Modifier { return func(r *Response) { r.RawID = rawID } }

// WithBadSignature flips a bit of the assertion signature.
func WithBadSignature() Modifier { return func(r *Response) { r.BadSignature = true } }

func (a *Authenticator) base(typ, challenge string, flags byte, mods []Modifier) *Response {
	r := &Response{
		Type:      typ,
		Challenge: challenge,
		Origin:    a.Origin,
		RPID:      a.RPID,
		Flags:     flags,
		Counter:   a.Counter,
		ID:        a.EncodedID(),
		RawID:     a.EncodedID(),
	}
	for _, mod := range mods {
		mod(r)
	}
	return r
}

func (r *Response) clientDataJSON() []byte {
	out, err := json.Marshal(map[string]any{
		"type":        r.Type,
		"challenge":   r.Challenge,
		"origin":      r.Origin,
		"crossOrigin": false,
	})
	if err != nil {
		panic(err)
	}
	return out
}

func (r *Response) authenticatorData(attested []byte) []byte {
	rpIDHash := sha256.Sum256([]byte(r.RPID))
	out := make([]byte, 0, 37+len(attested))
	out = append(out, rpIDHash[:]...)
	out = append(out, r.Flags)
	out = binary.BigEndian.AppendUint32(out, r.Counter)
	return append(out, attested...)
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// RegistrationBody builds a RegistrationResponseJSON for challenge.
func (a *Authenticator) RegistrationBody(challenge string, mods ...Modifier) []byte {
	r := a.base("webauthn.create", challenge, FlagUserPresent|FlagUserVerified|FlagAttestedData, mods)

	coseKey := a.COSEKey()
	attested := make([]byte, 0, 18+len(a.CredentialID)+len(coseKey))
	attested = append(attested, make([]byte, 16)...) // AAGUID
	attested = binary.BigEndian.AppendUint16(attested, uint16(len(a.CredentialID)))
	attested = append(attested, a.CredentialID...)
	attested = append(attested, coseKey...)

	attestationObject, err := cbor.Marshal(struct {
		Format       string         `cbor:"fmt"`
		AttStatement map[string]any `cbor:"attStmt"`
		AuthData     []byte         `cbor:"authData"`
	}{
		Format:       "none",
		AttStatement: map[string]any{},
		AuthData:     r.authenticatorData(attested),
	})
	if err != nil {
		panic(err)
	}

	return r.encode(map[string]any{
		"clientDataJSON":    b64(r.clientDataJSON()),
		"attestationObject": b64(attestationObject),
		"transports":        []string{"internal"},
	})
}

// AssertionBody builds an AuthenticationResponseJSON for challenge signed
// with the credential key, then increments Counter.
func (a *Authenticator) AssertionBody(challenge string, userHandle []byte, mods ...Modifier) []byte {
	r := a.base("webauthn.get", challenge, FlagUserPresent|FlagUserVerified, mods)
	a.Counter++

	clientData := r.clientDataJSON()
	authData := r.authenticatorData(nil)
	clientDataHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte{}, authData...), clientDataHash[:]...))

	sig, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	if err != nil {
		panic(err)
	}
	if r.BadSignature {
		sig[len(sig)-1] ^= 0x01
	}

	response := map[string]any{
		"clientDataJSON":    b64(clientData),
		"authenticatorData": b64(authData),
		"signature":         b64(sig),
	}
	if len(userHandle) > 0 {
		response["userHandle"] = b64(userHandle)
	}
	return r.encode(response)
}

func (r *Response) encode(response map[string]any) []byte {
	body := map[string]any{
		"id":                      r.ID,
		"rawId":                   r.RawID,
		"type":                    "public-key",
		"response":                response,
		"clientExtensionResults":  map[string]any{},
		"authenticatorAttachment": "platform",
	}
	out, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return out
}
