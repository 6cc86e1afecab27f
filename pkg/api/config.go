package api

import "time"

// ServerConfig configures the collector's HTTP server.
type ServerConfig struct {
	// Host is the listen address. Default: 0.0.0.0
	Host string

	// Port is the listen port. Default: 8000
	Port int

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body. Crash payloads from slow mobile links can take a
	// while, so the default is generous.
	// Default: 2m
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out response
	// writes. Default: 30s
	WriteTimeout time.Duration

	// IdleTimeout is the keep-alive idle limit. Default: 60s
	IdleTimeout time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 2 * time.Minute
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}
