package knowledge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.NotNil(t, config)
	assert.Equal(t, "bolt://localhost:7687", config.URI)
	assert.Equal(t, "neo4j", config.Username)
	assert.Equal(t, "neo4j", config.Database)
	assert.Equal(t, 15*time.Second, config.Timeout)
	assert.Equal(t, 2, config.MaxHops)
	assert.Equal(t, 50, config.MaxNodes)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid default config",
			modify:      func(c *Config) {},
			expectError: false,
		},
		{
			name: "empty uri",
			modify: func(c *Config) {
				c.URI = ""
			},
			expectError: true,
			errorMsg:    "uri is required",
		},
		{
			name: "empty username",
			modify: func(c *Config) {
				c.Username = ""
			},
			expectError: true,
			errorMsg:    "username is required",
		},
		{
			name: "empty database",
			modify: func(c *Config) {
				c.Database = ""
			},
			expectError: true,
			errorMsg:    "database is required",
		},
		{
			name: "invalid timeout",
			modify: func(c *Config) {
				c.Timeout = 0
			},
			expectError: true,
			errorMsg:    "timeout must be positive",
		},
		{
			name: "max hops too deep",
			modify: func(c *Config) {
				c.MaxHops = 7
			},
			expectError: true,
			errorMsg:    "max_hops must be between 1 and 3",
		},
		{
			name: "invalid max nodes",
			modify: func(c *Config) {
				c.MaxNodes = 0
			},
			expectError: true,
			errorMsg:    "max_nodes must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)

			err := config.Validate()
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
