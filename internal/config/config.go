// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package config loads and validates the authcore server configuration.
//
// Values are layered, lowest precedence first: built-in defaults, the YAML
// config file, the DATABASE_URL, REDIS_URL, REDIS_PASSWORD and OIDC_*
// environment variables, and finally command-line flags the user changed.
package config

import (
	"errors"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/rating-tracker/authcore/internal/challenge"
	"github.com/rating-tracker/authcore/internal/clientip"
	"github.com/rating-tracker/authcore/internal/httpapi"
	"github.com/rating-tracker/authcore/internal/ratelimit"
	"github.com/rating-tracker/authcore/internal/session"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Log formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config is the complete server configuration.
type Config struct {
	HTTP          HTTP          `koanf:"http" json:"http,omitempty"`
	Metrics       Metrics       `koanf:"metrics" json:"metrics,omitempty"`
	Log           Log           `koanf:"log" json:"log,omitempty"`
	RelyingParty  RelyingParty  `koanf:"relying_party" json:"relying_party"`
	Challenge     Challenge     `koanf:"challenge" json:"challenge,omitempty"`
	Session       Session       `koanf:"session" json:"session,omitempty"`
	RateLimit     RateLimit     `koanf:"rate_limit" json:"rate_limit,omitempty"`
	Proxy         Proxy         `koanf:"proxy" json:"proxy,omitempty"`
	Store         Store         `koanf:"store" json:"store,omitempty"`
	Database      Database      `koanf:"database" json:"database,omitempty"`
	OIDC          OIDC          `koanf:"oidc" json:"oidc,omitempty"`
	AutoMigrate   bool          `koanf:"auto_migrate" json:"auto_migrate,omitempty" jsonschema:"description=Apply pending migrations on startup"`
	ShutdownGrace time.Duration `koanf:"shutdown_grace" json:"shutdown_grace,omitempty"`
}

// HTTP configures the API listener.
type HTTP struct {
	Addr     string `koanf:"addr" json:"addr,omitempty" jsonschema:"description=Listen address of the API server"`
	BasePath string `koanf:"base_path" json:"base_path,omitempty" jsonschema:"pattern=^/"`
}

// Metrics configures the observability listener.
type Metrics struct {
	Addr string `koanf:"addr" json:"addr,omitempty" jsonschema:"description=Listen address for /metrics and health endpoints"`
}

// Log configures the slog handler.
type Log struct {
	Format string `koanf:"format" json:"format,omitempty" jsonschema:"enum=json,enum=text"`
	Level  string `koanf:"level" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
}

// RelyingParty is the WebAuthn relying party identity.
type RelyingParty struct {
	ID     string `koanf:"id" json:"id" jsonschema:"required,description=Effective domain responses are bound to"`
	Name   string `koanf:"name" json:"name" jsonschema:"required"`
	Origin string `koanf:"origin" json:"origin" jsonschema:"required,description=Exact origin expected in client data"`
}

// Challenge configures ceremony challenges.
type Challenge struct {
	TTL time.Duration `koanf:"ttl" json:"ttl,omitempty"`
}

// Session configures sliding sessions.
type Session struct {
	TTL         time.Duration `koanf:"ttl" json:"ttl,omitempty"`
	MaxLifetime time.Duration `koanf:"max_lifetime" json:"max_lifetime,omitempty"`
}

// RateLimit configures the per-IP budget of the ceremony routes.
type RateLimit struct {
	Limit  int           `koanf:"limit" json:"limit,omitempty" jsonschema:"minimum=1"`
	Window time.Duration `koanf:"window" json:"window,omitempty"`
}

// Proxy describes the reverse proxies in front of the server.
type Proxy struct {
	TrustedHops int `koanf:"trusted_hops" json:"trusted_hops,omitempty" jsonschema:"minimum=0"`
}

// Store selects the key-value store for challenges, sessions and counters.
type Store struct {
	Driver        string `koanf:"driver" json:"driver,omitempty" jsonschema:"enum=memory,enum=redis"`
	RedisURL      string `koanf:"redis_url" json:"redis_url,omitempty"`
	RedisPassword string `koanf:"redis_password" json:"redis_password,omitempty"`
}

// Database configures PostgreSQL.
type Database struct {
	URL string `koanf:"url" json:"url,omitempty"`
}

// OIDC configures sign-in through an OpenID Connect provider. It is enabled
// once issuer_url, client_id and client_secret are all set.
type OIDC struct {
	IssuerURL     string   `koanf:"issuer_url" json:"issuer_url,omitempty"`
	ClientID      string   `koanf:"client_id" json:"client_id,omitempty"`
	ClientSecret  string   `koanf:"client_secret" json:"client_secret,omitempty"`
	RedirectURL   string   `koanf:"redirect_url" json:"redirect_url,omitempty" jsonschema:"description=Defaults to the relying party origin followed by /login"`
	Scopes        []string `koanf:"scopes" json:"scopes,omitempty"`
	RoleClaimPath string   `koanf:"role_claim_path" json:"role_claim_path,omitempty" jsonschema:"description=JMESPath expression selecting role names from the ID token claims"`
}

// Enabled reports whether a provider is configured.
func (o OIDC) Enabled() bool {
	return o.IssuerURL != "" && o.ClientID != "" && o.ClientSecret != ""
}

// OIDCRedirectURL is the configured redirect URL or the login page of the
// relying party origin.
func (c *Config) OIDCRedirectURL() string {
	if c.OIDC.RedirectURL != "" {
		return c.OIDC.RedirectURL
	}
	return strings.TrimSuffix(c.RelyingParty.Origin, "/") + "/login"
}

// Default returns the configuration used for unset keys.
func Default() Config {
	return Config{
		HTTP:          HTTP{Addr: ":3001", BasePath: httpapi.DefaultBasePath},
		Metrics:       Metrics{Addr: "127.0.0.1:9100"},
		Log:           Log{Format: FormatJSON, Level: "info"},
		Challenge:     Challenge{TTL: challenge.DefaultTTL},
		Session:       Session{TTL: session.DefaultTTL, MaxLifetime: session.DefaultMaxLifetime},
		RateLimit:     RateLimit{Limit: ratelimit.DefaultLimit, Window: ratelimit.DefaultWindow},
		Proxy:         Proxy{TrustedHops: clientip.DefaultTrustedHops},
		Store:         Store{Driver: DriverMemory},
		ShutdownGrace: 10 * time.Second,
	}
}

// envKeys maps environment variables to the keys they override.
var envKeys = map[string]string{
	"DATABASE_URL":   "database.url",
	"REDIS_URL":      "store.redis_url",
	"REDIS_PASSWORD": "store.redis_password",

	"OIDC_ISSUER_URL":      "oidc.issuer_url",
	"OIDC_CLIENT_ID":       "oidc.client_id",
	"OIDC_CLIENT_SECRET":   "oidc.client_secret",
	"OIDC_SCOPES":          "oidc.scopes",
	"OIDC_ROLE_CLAIM_PATH": "oidc.role_claim_path",
}

// listEnvKeys hold space-separated lists.
var listEnvKeys = map[string]bool{"OIDC_SCOPES": true}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"http-addr":    "http.addr",
	"metrics-addr": "metrics.addr",
	"log-format":   "log.format",
	"log-level":    "log.level",
	"store-driver": "store.driver",
	"database-url": "database.url",
	"auto-migrate": "auto_migrate",
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("http-addr", d.HTTP.Addr, "API listen address")
	fs.String("metrics-addr", d.Metrics.Addr, "metrics and health check listen address")
	fs.String("log-format", d.Log.Format, "log format (json, text)")
	fs.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	fs.String("store-driver", d.Store.Driver, "key-value store (memory, redis)")
	fs.String("database-url", "", "PostgreSQL connection URL")
	fs.Bool("auto-migrate", false, "apply pending migrations on startup")
}

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// Path of the YAML config file. Empty means no file.
	Path string
	// Flags registered with RegisterFlags. May be nil.
	Flags *pflag.FlagSet
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// SkipValidation returns the merged values without running Validate.
	// Commands that only need a subset of the keys check those themselves.
	SkipValidation bool
}

// Load builds a validated Config.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	if opts.Path != "" {
		if err := k.Load(file.Provider(opts.Path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", opts.Path).Wrap(err)
		}
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for env, key := range envKeys {
		if v, ok := lookup(env); ok && v != "" {
			var value any = v
			if listEnvKeys[env] {
				value = strings.Fields(v)
			}
			if err := k.Set(key, value); err != nil {
				return nil, oops.Code("CONFIG_LOAD_FAILED").With("env", env).Wrap(err)
			}
		}
	}

	if opts.Flags != nil {
		provider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("operation", "decode").Wrap(err)
	}
	if opts.SkipValidation {
		return &cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func invalid(field, format string, args ...any) error {
	return oops.Code("CONFIG_INVALID").With("field", field).Errorf(field+": "+format, args...)
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, field, format string, args ...any) {
		if !ok {
			errs = append(errs, invalid(field, format, args...))
		}
	}

	check(c.HTTP.Addr != "", "http.addr", "is required")
	check(strings.HasPrefix(c.HTTP.BasePath, "/") && (c.HTTP.BasePath == "/" || !strings.HasSuffix(c.HTTP.BasePath, "/")),
		"http.base_path", "must start and must not end with a slash, got %q", c.HTTP.BasePath)
	check(c.Metrics.Addr != "", "metrics.addr", "is required")
	check(c.Log.Format == FormatJSON || c.Log.Format == FormatText, "log.format", "must be json or text, got %q", c.Log.Format)
	check(slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level), "log.level", "unknown level %q", c.Log.Level)

	check(c.RelyingParty.ID != "", "relying_party.id", "is required")
	check(c.RelyingParty.Name != "", "relying_party.name", "is required")
	if err := checkOrigin(c.RelyingParty.Origin, c.RelyingParty.ID); err != nil {
		errs = append(errs, err)
	}

	check(c.Challenge.TTL > 0, "challenge.ttl", "must be positive")
	check(c.Session.TTL > 0, "session.ttl", "must be positive")
	check(c.Session.MaxLifetime >= c.Session.TTL, "session.max_lifetime", "must not be shorter than session.ttl")
	check(c.RateLimit.Limit > 0, "rate_limit.limit", "must be positive")
	check(c.RateLimit.Window > 0, "rate_limit.window", "must be positive")
	check(c.Proxy.TrustedHops >= 0, "proxy.trusted_hops", "must not be negative")
	check(c.Store.Driver == DriverMemory || c.Store.Driver == DriverRedis, "store.driver", "must be memory or redis, got %q", c.Store.Driver)
	check(c.Store.Driver != DriverRedis || c.Store.RedisURL != "", "store.redis_url", "is required for the redis driver")
	check(c.Database.URL != "", "database.url", "is required")
	check(c.ShutdownGrace >= 0, "shutdown_grace", "must not be negative")
	errs = append(errs, c.validateOIDC()...)

	return errors.Join(errs...)
}

func (c *Config) validateOIDC() []error {
	o := c.OIDC
	if o.IssuerURL == "" && o.ClientID == "" && o.ClientSecret == "" {
		return nil
	}
	if !o.Enabled() {
		return []error{invalid("oidc", "issuer_url, client_id and client_secret must be set together")}
	}
	var errs []error
	if err := checkURL("oidc.issuer_url", o.IssuerURL); err != nil {
		errs = append(errs, err)
	}
	if o.RedirectURL != "" {
		if err := checkURL("oidc.redirect_url", o.RedirectURL); err != nil {
			errs = append(errs, err)
		}
	}
	if len(o.Scopes) > 0 && !slices.Contains(o.Scopes, "openid") {
		errs = append(errs, invalid("oidc.scopes", "must include openid"))
	}
	return errs
}

// checkURL requires an absolute https URL. Plain http is accepted for
// localhost.
func checkURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return invalid(field, "is not a URL: %q", raw)
	}
	if u.Scheme != "https" && (u.Scheme != "http" || u.Hostname() != "localhost") {
		return invalid(field, "must use https, got %q", u.Scheme)
	}
	return nil
}

// checkOrigin requires an https origin whose host is the relying party id or
// one of its subdomains. Plain http is accepted for localhost.
func checkOrigin(origin, rpID string) error {
	const field = "relying_party.origin"
	if origin == "" {
		return invalid(field, "is required")
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return invalid(field, "is not a URL: %q", origin)
	}
	if u.Path != "" && u.Path != "/" || u.RawQuery != "" || u.Fragment != "" {
		return invalid(field, "must be a bare origin, got %q", origin)
	}
	host := u.Hostname()
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && host == "localhost":
	default:
		return invalid(field, "must use https, got %q", u.Scheme)
	}
	if rpID != "" && host != rpID && !strings.HasSuffix(host, "."+rpID) {
		return invalid(field, "host %q is not %q or a subdomain of it", host, rpID)
	}
	return nil
}
