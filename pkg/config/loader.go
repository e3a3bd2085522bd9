package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "talknow_secret_key_2025")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("rateLimit.auth.limit", 20)
	v.SetDefault("rateLimit.auth.window", "60s")
	v.SetDefault("rateLimit.chat.limit", 100)
	v.SetDefault("rateLimit.chat.window", "60s")
	v.SetDefault("rateLimit.admin.limit", 200)
	v.SetDefault("rateLimit.admin.window", "60s")
	v.SetDefault("rateLimit.default.limit", 60)
	v.SetDefault("rateLimit.default.window", "60s")
	v.SetDefault("logLevel", "info")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("OMEGLEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultICEServers()
	}

	return &cfg, nil
}

// DefaultICEServers is the connectivity set handed to matched clients when
// the operator configures none: public STUN plus the OpenRelay TURN tier.
func DefaultICEServers() []ICEServerConfig {
	return []ICEServerConfig{
		{URLs: "stun:stun.l.google.com:19302"},
		{URLs: "stun:stun1.l.google.com:19302"},
		{URLs: "stun:stun2.l.google.com:19302"},
		{URLs: "stun:stun3.l.google.com:19302"},
		{URLs: "stun:stun4.l.google.com:19302"},
		{URLs: "turn:openrelay.metered.ca:80", Username: "openrelayproject", Credential: "openrelayproject"},
		{URLs: "turn:openrelay.metered.ca:443", Username: "openrelayproject", Credential: "openrelayproject"},
		{URLs: "turn:openrelay.metered.ca:443?transport=tcp", Username: "openrelayproject", Credential: "openrelayproject"},
	}
}
