package reconciler

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	BotID        string   `envconfig:"BOT_ID" required:"true"`
	Symbols      []string `envconfig:"SYMBOLS" required:"true"`
	Market       string   `envconfig:"MARKET" default:"linear"`
	BaseURL      string   `envconfig:"EXCHANGE_BASE_URL"`
	APIKeyEnc    string   `envconfig:"EXCHANGE_API_KEY_ENC" required:"true"`
	APISecretEnc string   `envconfig:"EXCHANGE_API_SECRET_ENC" required:"true"`
	WSURL        string   `envconfig:"EXCHANGE_WS_URL"`
	StopLossPct  float64  `envconfig:"STOP_LOSS_PCT" default:"0"`
	ServePort    string   `envconfig:"PORT" default:""`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}
