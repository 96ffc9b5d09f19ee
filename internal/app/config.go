package app

import (
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/utils"
)

type Config struct {
	JWTSecretKey string
	Environment  string
	Version      string
	MetricsAddr  string
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		JWTSecretKey: utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log),
		Environment:  utils.GetEnv("ENVIRONMENT", "development", log),
		Version:      utils.GetEnv("SERVICE_VERSION", "dev", log),
		MetricsAddr:  utils.GetEnv("METRICS_ADDR", ":9090", log),
	}
}
