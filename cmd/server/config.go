package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kbchat/kb-web-ui/internal/handlers"
	"github.com/kbchat/kb-web-ui/internal/services"
)

type config struct {
	Port    string        `yaml:"port"`
	Backend backendConfig `yaml:"backend"`
}

type backendConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"apiKey"`
	// Timeout bounds the whole HTTP exchange including the streamed body. Zero leaves it
	// unbounded, which matches the open-ended streaming endpoint.
	Timeout time.Duration `yaml:"timeout"`
}

func (c config) port() string {
	if c.Port == "" {
		return "8008"
	}
	return c.Port
}

// knowledgeBackend decides between the live backend client and the offline stand-in. An empty
// backend url means no backend is configured, and the deterministic mock keeps the whole
// pipeline exercisable without one.
func (c config) knowledgeBackend(logger *slog.Logger) handlers.KnowledgeBackend {
	if c.Backend.URL == "" {
		logger.Warn("No knowledge backend configured, using offline mock responses")
		return services.NewMockKnowledgeBackend()
	}

	apiKey := c.Backend.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("KB_BACKEND_API_KEY")
	}

	return services.NewKnowledgeBackend(c.Backend.URL, apiKey, c.Backend.Timeout, logger)
}

func (c config) validate() error {
	if c.Backend.URL == "" && c.Backend.APIKey != "" {
		return fmt.Errorf("backend apiKey is set but backend url is empty")
	}
	return nil
}
