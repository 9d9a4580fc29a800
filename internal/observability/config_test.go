package observability

import (
	"testing"

	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfig(t *testing.T) {
	cfg := LoadConfig(config.Config{
		Environment:       "production",
		AppVersion:        "1.2.0",
		LogLevel:          "info",
		OTLPProtocol:      "http",
		OTelEnabled:       true,
		OTelSamplingRatio: 4,
	})
	assert.Equal(t, "gatekeeper", cfg.ServiceName)
	assert.Equal(t, "1.2.0", cfg.Version)
	assert.Equal(t, "http", cfg.OtelExporterProtocol)
	assert.Equal(t, 0.1, cfg.OtelSamplingRatio)
	assert.False(t, cfg.Debug())

	assert.True(t, LoadConfig(config.Config{Environment: "local"}).Debug())
	assert.True(t, LoadConfig(config.Config{Environment: "production", LogLevel: "debug"}).Debug())
}
