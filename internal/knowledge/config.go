package knowledge

import (
	"fmt"
	"time"
)

// maxGraphHops caps neighborhood traversal depth regardless of what a
// caller asks for.
const maxGraphHops = 3

// Config holds connection settings for the Neo4j graph store.
type Config struct {
	// URI is the bolt/neo4j connection URI
	URI string `yaml:"uri" json:"uri"`
	// Username for basic auth
	Username string `yaml:"username" json:"username"`
	// Password for basic auth
	Password string `yaml:"password" json:"password"`
	// Database is the Neo4j database name
	Database string `yaml:"database" json:"database"`
	// Timeout applies per store operation
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// MaxHops is the default neighborhood traversal depth
	MaxHops int `yaml:"max_hops" json:"max_hops"`
	// MaxNodes caps how many entities a neighborhood query returns
	MaxNodes int `yaml:"max_nodes" json:"max_nodes"`
}

// DefaultConfig returns a configuration for a local Neo4j instance.
func DefaultConfig() *Config {
	return &Config{
		URI:      "bolt://localhost:7687",
		Username: "neo4j",
		Password: "password",
		Database: "neo4j",
		Timeout:  15 * time.Second,
		MaxHops:  2,
		MaxNodes: 50,
	}
}

// Validate checks the configuration for common errors.
func (c *Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("uri is required")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxHops < 1 || c.MaxHops > maxGraphHops {
		return fmt.Errorf("max_hops must be between 1 and %d", maxGraphHops)
	}
	if c.MaxNodes < 1 {
		return fmt.Errorf("max_nodes must be at least 1")
	}
	return nil
}
