package config

import "time"

type Config struct {
	Server     ServerConfig
	Transport  TransportConfig
	RateLimit  RateLimitConfig   `mapstructure:"rateLimit"`
	ICEServers []ICEServerConfig `mapstructure:"iceServers"`
	LogLevel   string            `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Address string
	Auth    AuthConfig
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type TransportConfig struct {
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

// CategoryLimit is one sliding-window budget applied to a traffic class.
type CategoryLimit struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type RateLimitConfig struct {
	Auth    CategoryLimit `mapstructure:"auth"`
	Chat    CategoryLimit `mapstructure:"chat"`
	Admin   CategoryLimit `mapstructure:"admin"`
	Default CategoryLimit `mapstructure:"default"`
}

// ICEServerConfig is handed through to matched clients verbatim.
type ICEServerConfig struct {
	URLs       string `mapstructure:"urls" json:"urls"`
	Username   string `mapstructure:"username" json:"username,omitempty"`
	Credential string `mapstructure:"credential" json:"credential,omitempty"`
}
