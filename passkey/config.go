// Package passkey implements ceremony verification on top of the
// go-webauthn relying-party primitive.
package passkey

import (
	"github.com/caarlos0/env/v11"
)

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName string   `env:"LATCHKEY_WEBAUTHN_RP_DISPLAY_NAME" envDefault:"Latchkey"`
	RPID          string   `env:"LATCHKEY_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string `env:"LATCHKEY_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
}

// LoadConfigFromEnv returns relying-party configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName: "Latchkey",
			RPID:          "localhost",
			RPOrigins:     []string{"http://localhost:8440"},
		}
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8440"}
	}
	return cfg
}
