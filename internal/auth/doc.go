// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package auth holds the domain types, error taxonomy and collaborator
// interfaces of the passwordless authentication core.
//
// # Domain Types
//
// Credential and User should be created with their constructors:
//   - NewCredential - validates the credential id, owner and public key
//   - NewUser - validates email and display name and assigns a ULID
//
// Direct struct initialization bypasses validation and may create invalid
// state. Repository implementations receive pre-validated types.
//
// # Collaborators
//
// The core never talks to a database directly. It consumes:
//   - UserDirectory - user accounts with activation and access rights
//   - CredentialStore - one WebAuthn credential per email
//   - Transactor - the registration critical section
//
// # Errors
//
// Every failure leaving the core carries an oops code from this package.
// KindOf, Status and PublicMessage map those codes to transport semantics.
package auth
