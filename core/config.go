package core

type JWTConfig struct {
	Secret               string `yaml:"secret"`                 // signing key
	Algorithm            string `yaml:"algorithm"`              // single allowed algorithm, e.g. HS256
	AccessTokenDuration  int    `yaml:"access_token_duration"`  // seconds
	RefreshTokenDuration int    `yaml:"refresh_token_duration"` // seconds
}

type CryptoConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // 32 bytes, AES-256-GCM for provider tokens
}

type ProviderModeConfig struct {
	Issuer               string `yaml:"issuer"`                 // base URL in discovery metadata
	AccessTokenDuration  int    `yaml:"access_token_duration"`  // seconds, default 3600
	RefreshTokenDuration int    `yaml:"refresh_token_duration"` // seconds
}

type Config struct {
	JWT    JWTConfig    `yaml:"jwt"`
	Crypto CryptoConfig `yaml:"crypto"`

	// OAuth account-linking settings
	OAuthStateTTL int `yaml:"oauth_state_ttl"` // seconds, default 600

	// Authorization-server (provider mode) settings
	ProviderMode ProviderModeConfig `yaml:"provider_mode"`

	// Sessions deactivated and expired longer than this are purged.
	SessionRetentionDays int `yaml:"session_retention_days"` // default 30
}

const (
	defaultOAuthStateTTL        = 600
	defaultSessionRetentionDays = 30
	defaultProviderAccessTTL    = 3600
	defaultProviderRefreshTTL   = 30 * 24 * 3600
)

// ApplyDefaults fills unset durations with their defaults.
func (c *Config) ApplyDefaults() {
	if c.JWT.Algorithm == "" {
		c.JWT.Algorithm = "HS256"
	}
	if c.OAuthStateTTL == 0 {
		c.OAuthStateTTL = defaultOAuthStateTTL
	}
	if c.SessionRetentionDays == 0 {
		c.SessionRetentionDays = defaultSessionRetentionDays
	}
	if c.ProviderMode.AccessTokenDuration == 0 {
		c.ProviderMode.AccessTokenDuration = defaultProviderAccessTTL
	}
	if c.ProviderMode.RefreshTokenDuration == 0 {
		c.ProviderMode.RefreshTokenDuration = defaultProviderRefreshTTL
	}
}
