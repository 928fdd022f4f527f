package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port          string
	Environment   string
	DatabasePath  string
	JWTSecret     string
	CORSOrigins   string
	TokenTTLHours int
}

// Load builds the configuration from the process environment. If
// GABBLE_ENV_FILE points at a KEY=VALUE file, its values fill in keys
// that are not already set in the environment.
func Load() *Config {
	fileVals := loadEnvFile(os.Getenv("GABBLE_ENV_FILE"))

	get := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		if value, exists := fileVals[key]; exists {
			return value
		}
		return defaultValue
	}

	return &Config{
		Port:          get("PORT", "8080"),
		Environment:   get("ENVIRONMENT", "development"),
		DatabasePath:  get("DATABASE_PATH", "./data/gabble.db"),
		JWTSecret:     get("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:   get("CORS_ORIGINS", "*"),
		TokenTTLHours: parseInt(get("TOKEN_TTL_HOURS", "24"), 24),
	}
}

func loadEnvFile(path string) map[string]string {
	vals := map[string]string{}
	if path == "" {
		return vals
	}

	f, err := os.Open(path)
	if err != nil {
		return vals
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		vals[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return vals
}

func parseInt(s string, defaultValue int) int {
	val, err := strconv.Atoi(s)
	if err != nil || val <= 0 {
		return defaultValue
	}
	return val
}
