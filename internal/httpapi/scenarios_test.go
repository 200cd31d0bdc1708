// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package httpapi_test

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/rating-tracker/authcore/internal/auth"
	"github.com/rating-tracker/authcore/internal/httpapi"
	"github.com/rating-tracker/authcore/internal/openid/openidtest"
	"github.com/rating-tracker/authcore/internal/passkey/passkeytest"
)

var _ = Describe("Authentication API", func() {
	var (
		env    *testEnv
		alice  *passkeytest.Authenticator
		bob    *passkeytest.Authenticator
		aliceE = "alice@example.com"
		bobE   = "bob@example.com"
	)

	BeforeEach(func() {
		env = newTestEnv()
		alice = passkeytest.MustNew(rpID, origin)
		bob = passkeytest.MustNew(rpID, origin)
	})

	Describe("registration options", func() {
		It("describes a discoverable, user-verified credential", func() {
			options := env.registrationOptions(aliceE, "Alice")
			Expect(options.RP.ID).To(Equal(rpID))
			Expect(options.RP.Name).To(Equal("Rating Tracker"))
			Expect(options.User.Name).To(Equal(aliceE))
			Expect(options.User.DisplayName).To(Equal("Alice"))
			Expect(options.User.ID).NotTo(BeEmpty())
			Expect(options.Challenge).NotTo(BeEmpty())
			Expect(options.ExcludeCredentials).NotTo(BeNil())
			Expect(options.ExcludeCredentials).To(BeEmpty())
			Expect(string(options.AuthenticatorSelection.ResidentKey)).To(Equal("required"))
			Expect(options.AuthenticatorSelection.RequireResidentKey).To(BeTrue())
			Expect(string(options.AuthenticatorSelection.UserVerification)).To(Equal("required"))
			Expect(string(options.Attestation)).To(Equal("none"))
			Expect(options.Timeout).To(Equal(int64(5 * time.Minute / time.Millisecond)))

			algs := make([]int, 0, len(options.PubKeyCredParams))
			for _, p := range options.PubKeyCredParams {
				Expect(string(p.Type)).To(Equal("public-key"))
				algs = append(algs, int(p.Alg))
			}
			Expect(algs).To(Equal([]int{-7, -8, -257}))
		})

		It("rejects an invalid email address", func() {
			rec := env.do(http.MethodGet, "/api/auth/register?email=not-an-email&name=Alice", nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(message(rec)).To(Equal("Email address is invalid."))
		})

		It("rejects a missing display name", func() {
			rec := env.do(http.MethodGet, "/api/auth/register?email="+aliceE, nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("registration", func() {
		It("rejects the wrong challenge, accepts the right one and then conflicts", func() {
			options := env.registrationOptions(aliceE, "Alice")

			forged := base64.RawURLEncoding.EncodeToString([]byte("a challenge that was never issued"))
			rec := env.do(http.MethodPost, "/api/auth/register", alice.RegistrationBody(forged))
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(message(rec)).To(Equal("Registration failed"))

			body := alice.RegistrationBody(options.Challenge)
			rec = env.do(http.MethodPost, "/api/auth/register", body)
			Expect(rec.Code).To(Equal(http.StatusCreated), rec.Body.String())

			By("replaying the consumed challenge")
			rec = env.do(http.MethodPost, "/api/auth/register", body)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(message(rec)).To(Equal("Registration failed"))

			By("registering the same email again")
			rec = env.do(http.MethodGet, "/api/auth/register?email="+aliceE+"&name=Alice", nil)
			Expect(rec.Code).To(Equal(http.StatusConflict))
			Expect(message(rec)).To(Equal(auth.MessageAlreadyRegistered))
		})

		It("conflicts when two challenges for one email both complete", func() {
			first := env.registrationOptions(aliceE, "Alice")
			second := env.registrationOptions(aliceE, "Alice")

			rec := env.do(http.MethodPost, "/api/auth/register", alice.RegistrationBody(first.Challenge))
			Expect(rec.Code).To(Equal(http.StatusCreated))

			rec = env.do(http.MethodPost, "/api/auth/register", bob.RegistrationBody(second.Challenge))
			Expect(rec.Code).To(Equal(http.StatusConflict))
		})

		It("uses one uniform message for every binding failure", func() {
			for _, mod := range []passkeytest.Modifier{
				passkeytest.WithOrigin("https://phishing.example.net"),
				passkeytest.WithRPID("phishing.example.net"),
				passkeytest.WithFlags(passkeytest.FlagUserPresent | passkeytest.FlagAttestedData),
			} {
				options := env.registrationOptions(aliceE, "Alice")
				rec := env.do(http.MethodPost, "/api/auth/register", alice.RegistrationBody(options.Challenge, mod))
				Expect(rec.Code).To(Equal(http.StatusUnauthorized))
				Expect(message(rec)).To(Equal("Registration failed"))
			}
		})

		It("rejects a credential id that is not base64url", func() {
			options := env.registrationOptions(aliceE, "Alice")
			body := alice.RegistrationBody(options.Challenge,
				passkeytest.WithID("not*base64"), passkeytest.WithRawID("not*base64"))

			rec := env.do(http.MethodPost, "/api/auth/register", body)
			Expect(rec.Code).To(Equal(http.StatusUnprocessableEntity))
			Expect(message(rec)).To(Equal("Credential ID was not base64url-encoded"))
		})

		It("rejects a body without client data", func() {
			rec := env.do(http.MethodPost, "/api/auth/register", []byte(`{"id":"AAAA"}`))
			Expect(rec.Code).To(Equal(http.StatusUnprocessableEntity))
		})

		It("rejects an oversized body", func() {
			body := []byte(`{"padding":"` + strings.Repeat("a", httpapi.MaxBodyBytes) + `"}`)
			rec := env.do(http.MethodPost, "/api/auth/register", body)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("bootstrap and activation", func() {
		It("activates only the first account", func() {
			env.register(alice, aliceE)
			env.register(bob, bobE)

			rec := env.signIn(alice)
			Expect(rec.Code).To(Equal(http.StatusNoContent), rec.Body.String())
			Expect(sessionCookie(rec)).NotTo(BeNil())

			rec = env.signIn(bob)
			Expect(rec.Code).To(Equal(http.StatusForbidden))
			Expect(message(rec)).To(Equal("This user account is not yet activated."))
			Expect(sessionCookie(rec)).To(BeNil())

			By("activating the second account externally")
			Expect(env.gate.Activate(admin(), bobE)).To(Succeed())
			rec = env.signIn(bob)
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(sessionCookie(rec)).NotTo(BeNil())
		})

		It("grants the first account full access", func() {
			env.register(alice, aliceE)
			user := env.dir.User(aliceE)
			Expect(user.Activated).To(BeTrue())
			Expect(user.AccessRights).To(Equal(auth.FullAccess))
		})
	})

	Describe("sign-in", func() {
		BeforeEach(func() {
			env.register(alice, aliceE)
		})

		It("sets a strict session cookie", func() {
			rec := env.signIn(alice)
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			cookie := sessionCookie(rec)
			Expect(cookie).NotTo(BeNil())
			Expect(cookie.Value).NotTo(BeEmpty())
			Expect(cookie.Path).To(Equal("/api"))
			Expect(cookie.HttpOnly).To(BeTrue())
			Expect(cookie.Secure).To(BeTrue())
			Expect(cookie.SameSite).To(Equal(http.SameSiteStrictMode))
			Expect(cookie.MaxAge).To(Equal(1800))
		})

		It("rejects a cloned authenticator", func() {
			alice.Counter = 5
			rec := env.signIn(alice)
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			rec = env.signIn(alice, passkeytest.WithCounter(4))
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(message(rec)).To(Equal("Authentication failed"))
			Expect(sessionCookie(rec)).To(BeNil())
		})

		It("rejects a bad signature uniformly", func() {
			rec := env.signIn(alice, passkeytest.WithBadSignature())
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(message(rec)).To(Equal("Authentication failed"))
		})

		It("reports an unknown credential", func() {
			rec := env.signIn(bob)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(message(rec)).To(Equal(fmt.Sprintf("User with credential %s not found.", bob.EncodedID())))
		})

		It("never verifies a challenge twice", func() {
			options := env.authenticationOptions()
			body := alice.AssertionBody(options.Challenge, nil)

			rec := env.do(http.MethodPost, "/api/auth/signIn", body)
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			rec = env.do(http.MethodPost, "/api/auth/signIn", body)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("returns request options for discoverable credentials", func() {
			options := env.authenticationOptions()
			Expect(options.RPID).To(Equal(rpID))
			Expect(options.AllowCredentials).NotTo(BeNil())
			Expect(options.AllowCredentials).To(BeEmpty())
			Expect(string(options.UserVerification)).To(Equal("required"))
		})
	})

	Describe("session", func() {
		var cookie *http.Cookie

		BeforeEach(func() {
			env.register(alice, aliceE)
			rec := env.signIn(alice)
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			cookie = sessionCookie(rec)
			Expect(cookie).NotTo(BeNil())
		})

		It("validates a fresh session without rewriting the cookie", func() {
			env.clock.Advance(10 * time.Minute)
			rec := env.do(http.MethodHead, "/api/session", nil, withCookie(cookie))
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(sessionCookie(rec)).To(BeNil())
		})

		It("renews a stale session and rewrites the cookie", func() {
			env.clock.Advance(20 * time.Minute)
			rec := env.do(http.MethodHead, "/api/session", nil, withCookie(cookie))
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			renewed := sessionCookie(rec)
			Expect(renewed).NotTo(BeNil())
			Expect(renewed.Value).To(Equal(cookie.Value))
			Expect(renewed.MaxAge).To(Equal(1800))

			By("outliving the original expiry")
			env.clock.Advance(15 * time.Minute)
			rec = env.do(http.MethodHead, "/api/session", nil, withCookie(cookie))
			Expect(rec.Code).To(Equal(http.StatusNoContent))
		})

		It("clears the cookie of an expired session", func() {
			env.clock.Advance(31 * time.Minute)
			rec := env.do(http.MethodHead, "/api/session", nil, withCookie(cookie))
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			cleared := sessionCookie(rec)
			Expect(cleared).NotTo(BeNil())
			Expect(cleared.Value).To(BeEmpty())
			Expect(cleared.MaxAge).To(BeNumerically("<", 0))
		})

		It("requires a session", func() {
			rec := env.do(http.MethodHead, "/api/session", nil)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("revokes idempotently", func() {
			rec := env.do(http.MethodDelete, "/api/session", nil, withCookie(cookie))
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(sessionCookie(rec).MaxAge).To(BeNumerically("<", 0))

			rec = env.do(http.MethodHead, "/api/session", nil, withCookie(cookie))
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))

			rec = env.do(http.MethodDelete, "/api/session", nil, withCookie(cookie))
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			rec = env.do(http.MethodDelete, "/api/session", nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))
		})

		It("guards collaborator routes by access rights", func() {
			rec := env.do(http.MethodPatch, "/api/stocks/AAPL", nil, withCookie(cookie))
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(rec.Header().Get("X-Principal")).To(Equal(aliceE))

			Expect(env.gate.SetAccessRights(admin(), aliceE, auth.GeneralAccess)).To(Succeed())
			rec = env.do(http.MethodPatch, "/api/stocks/AAPL", nil, withCookie(cookie))
			Expect(rec.Code).To(Equal(http.StatusForbidden))
			Expect(message(rec)).To(Equal(auth.MessageForbidden))

			rec = env.do(http.MethodPatch, "/api/stocks/AAPL", nil)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(message(rec)).To(Equal(auth.MessageUnauthenticated))
		})

		It("locks out a deactivated account", func() {
			Expect(env.gate.Deactivate(admin(), aliceE)).To(Succeed())
			rec := env.do(http.MethodHead, "/api/session", nil, withCookie(cookie))
			Expect(rec.Code).To(Equal(http.StatusForbidden))
		})
	})

	Describe("rate limiting", func() {
		It("limits one client to 60 requests per window", func() {
			for i := 0; i < 60; i++ {
				rec := env.do(http.MethodGet, "/api/auth/signIn", nil, forwardedFor("203.0.113.7"))
				Expect(rec.Code).To(Equal(http.StatusOK), "request %d", i+1)
				Expect(rec.Header().Get(httpapi.HeaderRateLimitRemaining)).To(Equal(fmt.Sprint(59 - i)))
			}

			rec := env.do(http.MethodGet, "/api/auth/signIn", nil, forwardedFor("203.0.113.7"))
			Expect(rec.Code).To(Equal(http.StatusTooManyRequests))
			Expect(message(rec)).To(Equal("Please try again later."))
			Expect(rec.Header().Get(httpapi.HeaderRetryAfter)).To(Equal("60"))
			Expect(rec.Header().Get(httpapi.HeaderRateLimitLimit)).To(Equal("60"))
			Expect(rec.Header().Get(httpapi.HeaderRateLimitRemaining)).To(Equal("0"))

			By("resetting after the window")
			env.clock.Advance(time.Minute)
			rec = env.do(http.MethodGet, "/api/auth/signIn", nil, forwardedFor("203.0.113.7"))
			Expect(rec.Code).To(Equal(http.StatusOK))
		})

		It("counts distinct trusted addresses separately", func() {
			for i := 0; i < 61; i++ {
				rec := env.do(http.MethodGet, "/api/auth/signIn", nil, forwardedFor(fmt.Sprintf("198.51.100.%d", i+1)))
				Expect(rec.Code).To(Equal(http.StatusOK))
			}
		})

		It("ignores client-forged prefixes of the forwarded chain", func() {
			for i := 0; i < 60; i++ {
				chain := fmt.Sprintf("10.0.%d.%d, 203.0.113.9", i/250, i%250+1)
				rec := env.do(http.MethodGet, "/api/auth/signIn", nil, forwardedFor(chain))
				Expect(rec.Code).To(Equal(http.StatusOK))
			}
			rec := env.do(http.MethodGet, "/api/auth/signIn", nil, forwardedFor("192.0.2.200, 203.0.113.9"))
			Expect(rec.Code).To(Equal(http.StatusTooManyRequests))
		})

		It("leaves session routes unlimited", func() {
			for i := 0; i < 61; i++ {
				rec := env.do(http.MethodDelete, "/api/session", nil, forwardedFor("203.0.113.8"))
				Expect(rec.Code).To(Equal(http.StatusNoContent))
			}
		})

		It("fails when no client address can be determined", func() {
			rec := env.do(http.MethodGet, "/api/auth/signIn", nil, forwardedFor("not-an-ip"))
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(message(rec)).To(Equal("No IP address found."))
		})
	})

	Describe("openid connect", func() {
		jane := openidtest.User{
			Subject:       "sub-jane",
			Email:         "jane@example.com",
			EmailVerified: true,
			Name:          "Jane Doe",
			Claims:        map[string]any{"roles": []string{"general_access"}},
		}

		It("redirects to the provider with a strict verifier cookie", func() {
			location, cookies := env.oidcRedirect()
			Expect(location).To(HavePrefix(env.oidc.Issuer() + "/authorize?"))

			var verifier *http.Cookie
			for _, c := range cookies {
				if c.Name == httpapi.CodeVerifierCookie {
					verifier = c
				}
			}
			Expect(verifier).NotTo(BeNil())
			Expect(verifier.Value).NotTo(BeEmpty())
			Expect(verifier.Path).To(Equal("/api"))
			Expect(verifier.HttpOnly).To(BeTrue())
			Expect(verifier.Secure).To(BeTrue())
			Expect(verifier.SameSite).To(Equal(http.SameSiteStrictMode))
		})

		It("signs a new user in and keeps them signed in", func() {
			rec := env.oidcSignIn(jane)
			Expect(rec.Code).To(Equal(http.StatusNoContent), rec.Body.String())
			cookie := sessionCookie(rec)
			Expect(cookie).NotTo(BeNil())
			Expect(cookieNamed(rec, httpapi.CodeVerifierCookie).MaxAge).To(BeNumerically("<", 0))

			rec = env.do(http.MethodHead, "/api/session", nil, withCookie(cookie))
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(env.dir.User("jane@example.com").AccessRights).To(Equal(auth.GeneralAccess))
		})

		It("links the identity of a signed-in user without a new session", func() {
			env.register(alice, aliceE)
			rec := env.signIn(alice)
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			cookie := sessionCookie(rec)

			rec = env.oidcSignIn(jane, withCookie(cookie))
			Expect(rec.Code).To(Equal(http.StatusNoContent), rec.Body.String())
			Expect(sessionCookie(rec)).To(BeNil())
			Expect(env.dir.Identity(aliceE)).NotTo(BeNil())
			Expect(env.dir.User("jane@example.com")).To(BeNil())
		})

		It("rejects a provider account without roles", func() {
			roleless := jane
			roleless.Claims = nil
			rec := env.oidcSignIn(roleless)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(message(rec)).To(Equal("Unable to retrieve user roles from the OpenID Connect provider."))
			Expect(sessionCookie(rec)).To(BeNil())
		})

		It("requires the code verifier cookie", func() {
			rec := env.do(http.MethodPost, "/api/auth/oidc", []byte(`{"code":"x"}`))
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(message(rec)).To(Equal("No code verifier was provided."))
		})

		It("rejects a body that is not an object of strings", func() {
			verifier := &http.Cookie{Name: httpapi.CodeVerifierCookie, Value: "v"}
			rec := env.do(http.MethodPost, "/api/auth/oidc", []byte(`{"code":7}`), withCookie(verifier))
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("fails uniformly for a forged code", func() {
			verifier := &http.Cookie{Name: httpapi.CodeVerifierCookie, Value: "v"}
			rec := env.do(http.MethodPost, "/api/auth/oidc", []byte(`{"code":"forged"}`), withCookie(verifier))
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(message(rec)).To(Equal("Authentication failed"))
		})
	})

	It("answers unknown routes with a JSON 404", func() {
		rec := env.do(http.MethodGet, "/api/nothing", nil)
		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(message(rec)).To(Equal("Not found"))
	})
})
