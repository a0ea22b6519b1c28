// Package config loads pizauthd's TOML configuration file into typed
// values: the running daemon never sees raw strings for durations or
// listen specs once config.Load has returned.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration with pizauth's `<int>[smhd]` text grammar.
type Duration time.Duration

var durationGrammar = regexp.MustCompile(`^([0-9]+)([smhd])$`)

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	m := durationGrammar.FindStringSubmatch(string(text))
	if m == nil {
		return fmt.Errorf("invalid duration %q: want <int>[smhd]", text)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	*d = Duration(time.Duration(n) * unit)
	return nil
}

// MarshalText implements encoding.TextMarshaler, re-emitting seconds.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%ds", int(time.Duration(d).Seconds()))), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ListenSpec is a resolved listener configuration: either disabled, or an
// address to bind (host:0 means "pick any free port").
type ListenSpec struct {
	Disabled bool
	Addr     string
}

// UnmarshalText implements encoding.TextUnmarshaler: "none" disables the
// listener, anything else is taken as a host:port to bind.
func (l *ListenSpec) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "none" {
		*l = ListenSpec{Disabled: true}
		return nil
	}
	*l = ListenSpec{Addr: s}
	return nil
}

// AuthURIField is one key/value pair appended to the authorisation URL.
// Kept as an ordered slice, not a map, because auth_uri_fields is an
// ordered mapping whose keys may repeat (a map cannot represent either).
type AuthURIField struct {
	Key   string
	Value string
}

// AccountConfig is one `[account.NAME]` table.
type AccountConfig struct {
	AuthURI       string
	TokenURI      string
	ClientID      string
	ClientSecret  string
	Scopes        []string
	RedirectURI   string
	AuthURIFields []AuthURIField
	LoginHint     string

	RefreshAtLeast      *Duration
	RefreshBeforeExpiry *Duration
	RefreshRetry        *Duration
}

// Global holds the `[global]` table's settings.
type Global struct {
	AuthNotifyCmd       string
	AuthNotifyInterval  Duration
	ErrorNotifyCmd      string
	HTTPListen          ListenSpec
	HTTPSListen         ListenSpec
	RefreshAtLeast      Duration
	RefreshBeforeExpiry Duration
	RefreshRetry        Duration
	TransientErrorIfCmd string
	TokenEventCmd       string
	StartupCmd          string

	Logging *LogConfig
}

// Config is the fully-resolved daemon configuration.
type Config struct {
	Global   Global
	Accounts map[string]*AccountConfig
}

// LogConfig controls the zap logger wiring (console + optional rotating
// file sink).
type LogConfig struct {
	Level         string `toml:"level"`
	EnableConsole bool   `toml:"enable_console"`
	EnableFile    bool   `toml:"enable_file"`
	LogDir        string `toml:"log_dir"`
	Filename      string `toml:"filename"`
	MaxSize       int    `toml:"max_size_mb"`
	MaxBackups    int    `toml:"max_backups"`
	MaxAge        int    `toml:"max_age_days"`
	Compress      bool   `toml:"compress"`
	JSONFormat    bool   `toml:"json_format"`
}

// rawDoc mirrors the on-disk TOML shape before field-by-field resolution.
type rawDoc struct {
	Global  rawGlobal             `toml:"global"`
	Account map[string]rawAccount `toml:"account"`
}

type rawGlobal struct {
	AuthNotifyCmd       string     `toml:"auth_notify_cmd"`
	AuthNotifyInterval  string     `toml:"auth_notify_interval"`
	ErrorNotifyCmd      string     `toml:"error_notify_cmd"`
	HTTPListen          string     `toml:"http_listen"`
	HTTPSListen         string     `toml:"https_listen"`
	RefreshAtLeast      string     `toml:"refresh_at_least"`
	RefreshBeforeExpiry string     `toml:"refresh_before_expiry"`
	RefreshRetry        string     `toml:"refresh_retry"`
	TransientErrorIfCmd string     `toml:"transient_error_if_cmd"`
	TokenEventCmd       string     `toml:"token_event_cmd"`
	StartupCmd          string     `toml:"startup_cmd"`
	Logging             *LogConfig `toml:"logging"`
}

type rawAccount struct {
	AuthURI       string            `toml:"auth_uri"`
	TokenURI      string            `toml:"token_uri"`
	ClientID      string            `toml:"client_id"`
	ClientSecret  string            `toml:"client_secret"`
	Scopes        []string          `toml:"scopes"`
	RedirectURI   string            `toml:"redirect_uri"`
	AuthURIFields [][]string `toml:"auth_uri_fields"`
	LoginHint     string     `toml:"login_hint"`

	RefreshAtLeast      string `toml:"refresh_at_least"`
	RefreshBeforeExpiry string `toml:"refresh_before_expiry"`
	RefreshRetry        string `toml:"refresh_retry"`
}

const (
	defaultHTTPListen   = "127.0.0.1:0"
	defaultHTTPSListen  = "127.0.0.1:0"
	defaultRedirectURI  = "http://localhost/"
	defaultAtLeast      = 90 * time.Minute
	defaultBeforeExpiry = 90 * time.Second
	defaultRetry        = 40 * time.Second
)

// Load reads and resolves a pizauth TOML config file from path.
func Load(path string) (*Config, error) {
	var raw rawDoc
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return resolve(&raw)
}

// LoadBytes is Load's in-memory counterpart, used by reload and by tests.
func LoadBytes(data []byte) (*Config, error) {
	var raw rawDoc
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return resolve(&raw)
}

func resolve(raw *rawDoc) (*Config, error) {
	g := Global{
		AuthNotifyCmd:       raw.Global.AuthNotifyCmd,
		ErrorNotifyCmd:      raw.Global.ErrorNotifyCmd,
		TransientErrorIfCmd: raw.Global.TransientErrorIfCmd,
		TokenEventCmd:       raw.Global.TokenEventCmd,
		StartupCmd:          raw.Global.StartupCmd,
		Logging:             raw.Global.Logging,
	}

	var err error
	if g.AuthNotifyInterval, err = parseDuration(raw.Global.AuthNotifyInterval, 0); err != nil {
		return nil, fmt.Errorf("auth_notify_interval: %w", err)
	}
	if g.RefreshAtLeast, err = parseDuration(raw.Global.RefreshAtLeast, defaultAtLeast); err != nil {
		return nil, fmt.Errorf("refresh_at_least: %w", err)
	}
	if g.RefreshBeforeExpiry, err = parseDuration(raw.Global.RefreshBeforeExpiry, defaultBeforeExpiry); err != nil {
		return nil, fmt.Errorf("refresh_before_expiry: %w", err)
	}
	if g.RefreshRetry, err = parseDuration(raw.Global.RefreshRetry, defaultRetry); err != nil {
		return nil, fmt.Errorf("refresh_retry: %w", err)
	}

	if g.HTTPListen, err = parseListen(raw.Global.HTTPListen, defaultHTTPListen); err != nil {
		return nil, fmt.Errorf("http_listen: %w", err)
	}
	if g.HTTPSListen, err = parseListen(raw.Global.HTTPSListen, defaultHTTPSListen); err != nil {
		return nil, fmt.Errorf("https_listen: %w", err)
	}
	if g.HTTPListen.Disabled && g.HTTPSListen.Disabled {
		return nil, fmt.Errorf("at least one of http_listen/https_listen must be enabled")
	}

	accounts := make(map[string]*AccountConfig, len(raw.Account))
	for name, ra := range raw.Account {
		ac, err := resolveAccount(ra)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", name, err)
		}
		accounts[name] = ac
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("config must define at least one [account.NAME] table")
	}

	return &Config{Global: g, Accounts: accounts}, nil
}

func resolveAccount(ra rawAccount) (*AccountConfig, error) {
	if ra.AuthURI == "" {
		return nil, fmt.Errorf("auth_uri is required")
	}
	if ra.TokenURI == "" {
		return nil, fmt.Errorf("token_uri is required")
	}
	if ra.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	ac := &AccountConfig{
		AuthURI:      ra.AuthURI,
		TokenURI:     ra.TokenURI,
		ClientID:     ra.ClientID,
		ClientSecret: ra.ClientSecret,
		Scopes:       ra.Scopes,
		RedirectURI:  ra.RedirectURI,
		LoginHint:    ra.LoginHint,
	}
	if ac.RedirectURI == "" {
		ac.RedirectURI = defaultRedirectURI
	}

	// auth_uri_fields is an ordered list of [key, value] pairs, not a TOML
	// table: the authorisation URL appends them in configuration order and
	// permits repeated keys, neither of which a table can represent.
	for i, kv := range ra.AuthURIFields {
		if len(kv) != 2 {
			return nil, fmt.Errorf("auth_uri_fields[%d]: want a [key, value] pair, got %d elements", i, len(kv))
		}
		ac.AuthURIFields = append(ac.AuthURIFields, AuthURIField{Key: kv[0], Value: kv[1]})
	}
	if ra.LoginHint != "" {
		ac.AuthURIFields = append(ac.AuthURIFields, AuthURIField{Key: "login_hint", Value: ra.LoginHint})
	}

	if ra.RefreshAtLeast != "" {
		d, err := parseDuration(ra.RefreshAtLeast, 0)
		if err != nil {
			return nil, fmt.Errorf("refresh_at_least: %w", err)
		}
		ac.RefreshAtLeast = &d
	}
	if ra.RefreshBeforeExpiry != "" {
		d, err := parseDuration(ra.RefreshBeforeExpiry, 0)
		if err != nil {
			return nil, fmt.Errorf("refresh_before_expiry: %w", err)
		}
		ac.RefreshBeforeExpiry = &d
	}
	if ra.RefreshRetry != "" {
		d, err := parseDuration(ra.RefreshRetry, 0)
		if err != nil {
			return nil, fmt.Errorf("refresh_retry: %w", err)
		}
		ac.RefreshRetry = &d
	}

	return ac, nil
}

func parseDuration(s string, dflt time.Duration) (Duration, error) {
	if s == "" {
		return Duration(dflt), nil
	}
	var d Duration
	if err := d.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return d, nil
}

func parseListen(s, dflt string) (ListenSpec, error) {
	if s == "" {
		s = dflt
	}
	var l ListenSpec
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return ListenSpec{}, err
	}
	return l, nil
}

// EffectiveRefreshAtLeast returns the account's override if set, else the global default.
func (ac *AccountConfig) EffectiveRefreshAtLeast(g *Global) time.Duration {
	if ac.RefreshAtLeast != nil {
		return ac.RefreshAtLeast.Duration()
	}
	return g.RefreshAtLeast.Duration()
}

// EffectiveRefreshBeforeExpiry returns the account's override if set, else the global default.
func (ac *AccountConfig) EffectiveRefreshBeforeExpiry(g *Global) time.Duration {
	if ac.RefreshBeforeExpiry != nil {
		return ac.RefreshBeforeExpiry.Duration()
	}
	return g.RefreshBeforeExpiry.Duration()
}

// EffectiveRefreshRetry returns the account's override if set, else the global default.
func (ac *AccountConfig) EffectiveRefreshRetry(g *Global) time.Duration {
	if ac.RefreshRetry != nil {
		return ac.RefreshRetry.Duration()
	}
	return g.RefreshRetry.Duration()
}

// FingerprintFields are the security-relevant configured values hashed for
// dump/restore compatibility checking (see internal/dumpcodec).
func (ac *AccountConfig) FingerprintFields() []string {
	fields := []string{ac.AuthURI, ac.TokenURI, ac.ClientID, ac.ClientSecret, ac.RedirectURI}
	fields = append(fields, ac.Scopes...)
	for _, f := range ac.AuthURIFields {
		fields = append(fields, f.Key, f.Value)
	}
	return fields
}
