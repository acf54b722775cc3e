package ailink

import (
	"time"

	"github.com/namelens/headroom/internal/ailink/driver"
	"github.com/namelens/headroom/internal/ailink/driver/openai"
)

// Config defines the upstream provider settings.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NewDriver builds the OpenAI-compatible driver for cfg.
func NewDriver(cfg Config) driver.RawDriver {
	client := openai.NewClient(cfg.BaseURL, cfg.APIKey)
	client.Timeout = cfg.Timeout
	return client
}
