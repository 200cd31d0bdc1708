// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rating-tracker/authcore/pkg/errutil"
)

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, SchemaID, schema["$id"])
	assert.Contains(t, schema["required"], "relying_party")

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	session := props["session"].(map[string]any)["properties"].(map[string]any)
	assert.Equal(t, "string", session["ttl"].(map[string]any)["type"], "durations are strings")
}

func TestValidateFile(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{name: "minimal", yaml: minimalYAML},
		{name: "full", yaml: minimalYAML + `
http:
  addr: ":3001"
  base_path: /api
log:
  format: text
session:
  ttl: 30m
  max_lifetime: 8h
rate_limit:
  limit: 60
  window: 1m
store:
  driver: redis
  redis_url: redis://cache:6379
`},
		{name: "oidc", yaml: minimalYAML + `
oidc:
  issuer_url: https://id.example.com/realms/ratings
  client_id: authcore
  client_secret: s3cret
  scopes: [openid, email]
  role_claim_path: resource_access.authcore.roles
`},
		{name: "oidc scopes not a list", yaml: minimalYAML + "oidc:\n  scopes: openid\n", wantErr: true},
		{name: "empty", yaml: "", wantErr: true},
		{name: "not yaml", yaml: "relying_party: [", wantErr: true},
		{name: "missing relying party", yaml: "database:\n  url: postgres://db\n", wantErr: true},
		{name: "unknown key", yaml: minimalYAML + "colour: blue\n", wantErr: true},
		{name: "bad duration", yaml: minimalYAML + "session:\n  ttl: soon\n", wantErr: true},
		{name: "bad driver", yaml: minimalYAML + "store:\n  driver: etcd\n", wantErr: true},
		{name: "bad rate limit", yaml: minimalYAML + "rate_limit:\n  limit: 0\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFile([]byte(tt.yaml))
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
		})
	}
}
