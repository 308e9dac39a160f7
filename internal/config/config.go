package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Port string

	// Database (optional; session history is disabled when DBHost is empty)
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Auth (single user)
	AdminUsername    string
	AdminPassword    string
	AdminDisplayName string
	AdminRole        string
	JWTSecret        string

	// SSH
	SSHConnectTimeout  time.Duration // default bound on the initial dial
	SessionIdleTimeout time.Duration // 0 disables idle eviction
}

func Load() *Config {
	connectTimeout, _ := strconv.Atoi(getEnv("SSH_CONNECT_TIMEOUT", "15"))
	idleTimeout, _ := strconv.Atoi(getEnv("SESSION_IDLE_TIMEOUT", "0"))
	return &Config{
		Port:               getEnv("PORT", "8098"),
		DBHost:             getEnv("DB_HOST", ""),
		DBPort:             getEnv("DB_PORT", "5432"),
		DBUser:             getEnv("DB_USER", "postgres"),
		DBPassword:         getEnv("DB_PASSWORD", ""),
		DBName:             getEnv("DB_NAME", "termgate_db"),
		DBSSLMode:          getEnv("DB_SSLMODE", "disable"),
		AdminUsername:      getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:      getEnv("ADMIN_PASSWORD", ""),
		AdminDisplayName:   getEnv("ADMIN_DISPLAY_NAME", "Admin"),
		AdminRole:          getEnv("ADMIN_ROLE", "admin"),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		SSHConnectTimeout:  time.Duration(connectTimeout) * time.Second,
		SessionIdleTimeout: time.Duration(idleTimeout) * time.Second,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
