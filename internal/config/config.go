package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const defaultAuthLookupTimeout = 5 * time.Second

type Config struct {
	ServerAddr        string
	DatabaseDSN       string
	SigningKey        []byte
	AllowedOrigins    []string
	AuthLookupTimeout time.Duration
}

func decodeSigningKey(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningKey(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:        serverAddr,
		DatabaseDSN:       databaseDSN,
		SigningKey:        signingKey,
		AllowedOrigins:    allowedOrigins,
		AuthLookupTimeout: defaultAuthLookupTimeout,
	}, nil
}
