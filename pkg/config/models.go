package config

import "time"

type Config struct {
	Env       string
	Server    ServerConfig
	Transport TransportConfig
	Authz     AuthzConfig
	CORS      CORSConfig `mapstructure:"cors"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

type AuthzConfig struct {
	// Mode selects the membership oracle: "postgres" for the product
	// database, "static" for local development (allows nothing until
	// seeded, so joins are denied by default).
	Mode        string        `mapstructure:"mode"`
	PostgresURL string        `mapstructure:"postgresUrl"`
	RedisAddr   string        `mapstructure:"redisAddr"`
	RedisDB     int           `mapstructure:"redisDb"`
	CacheTTL    time.Duration `mapstructure:"cacheTtl"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}
