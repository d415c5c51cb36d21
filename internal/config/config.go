package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPPort  string `json:"http_port"`
	HTTPSPort string `json:"https_port"`
	Domain    string `json:"domain"`
	HTTPOnly  bool   `json:"http_only"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	DBPath string `json:"db_path"`

	TURNPort     int    `json:"turn_port"`
	TURNRealm    string `json:"turn_realm"`
	TURNPublicIP string `json:"turn_public_ip"`

	RoomCapacity          int `json:"room_capacity"`
	RoomGraceMs           int `json:"room_grace_ms"`
	InstantCallTimeoutSec int `json:"instant_call_timeout_sec"`

	JWTSecret string     `json:"-"`
	VAPIDKeys *VAPIDKeys `json:"-"`
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

func (c *Config) RoomGrace() time.Duration {
	return time.Duration(c.RoomGraceMs) * time.Millisecond
}

func (c *Config) InstantCallTimeout() time.Duration {
	return time.Duration(c.InstantCallTimeoutSec) * time.Second
}

// Load reads config.json next to the executable if present, then lets
// environment variables fill any missing field. Every field has a safe
// default so a bare binary still starts.
func Load(httpOnly *bool) *Config {
	cfg := &Config{}
	if data, err := os.ReadFile(configFilePath()); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "ignoring malformed config.json: %v\n", err)
			cfg = &Config{}
		}
	}

	applyDefaults(cfg)

	if httpOnly != nil && *httpOnly {
		cfg.HTTPOnly = true
	}

	cfg.JWTSecret = loadOrGenerateJWTSecret()
	cfg.VAPIDKeys = loadOrGenerateVAPIDKeys()
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = getEnv("HTTP_PORT", "8080")
	}
	if cfg.HTTPSPort == "" {
		cfg.HTTPSPort = getEnv("HTTPS_PORT", "8443")
	}
	if cfg.Domain == "" {
		cfg.Domain = getEnv("DOMAIN", "localhost")
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	}
	if cfg.RedisPassword == "" {
		cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	}
	if cfg.RedisDB == 0 {
		cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = getEnv("DB_PATH", "talktime.db")
	}
	if cfg.TURNPort == 0 {
		cfg.TURNPort = getEnvInt("TURN_PORT", 3478)
	}
	if cfg.TURNRealm == "" {
		cfg.TURNRealm = getEnv("TURN_REALM", "talktime")
	}
	if cfg.TURNPublicIP == "" {
		cfg.TURNPublicIP = getEnv("TURN_PUBLIC_IP", "")
	}
	if cfg.RoomCapacity == 0 {
		cfg.RoomCapacity = getEnvInt("ROOM_CAPACITY", 2)
	}
	if cfg.RoomGraceMs == 0 {
		cfg.RoomGraceMs = getEnvInt("ROOM_GRACE_MS", 0)
	}
	if cfg.InstantCallTimeoutSec == 0 {
		cfg.InstantCallTimeoutSec = getEnvInt("INSTANT_CALL_TIMEOUT_SEC", 30)
	}
}

func configFilePath() string {
	execPath, err := os.Executable()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(filepath.Dir(execPath), "config.json")
}

func keysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := keysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")
	if data, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret
		}
	}

	raw := make([]byte, 32)
	rand.Read(raw)
	secret := base64.URLEncoding.EncodeToString(raw)

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not persist JWT secret: %v\n", err)
		}
	}
	return secret
}

// loadOrGenerateVAPIDKeys returns Web Push application keys from env, the
// keys directory, or a fresh P-256 pair persisted for next boot. The
// private key is the raw 32-byte scalar the webpush library expects.
func loadOrGenerateVAPIDKeys() *VAPIDKeys {
	subject := getEnv("VAPID_SUBJECT", "mailto:admin@talktime.app")

	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}
	}

	keysDir := keysDirectory()
	publicFile := filepath.Join(keysDir, "vapid-public.key")
	privateFile := filepath.Join(keysDir, "vapid-private.key")
	if pub, err := os.ReadFile(publicFile); err == nil {
		if priv, err := os.ReadFile(privateFile); err == nil {
			return &VAPIDKeys{
				PublicKey:  strings.TrimSpace(string(pub)),
				PrivateKey: strings.TrimSpace(string(priv)),
				Subject:    subject,
			}
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic("failed to generate VAPID keys: " + err.Error())
	}

	// Uncompressed 65-byte public point for the browser.
	publicBytes := make([]byte, 65)
	publicBytes[0] = 0x04
	key.PublicKey.X.FillBytes(publicBytes[1:33])
	key.PublicKey.Y.FillBytes(publicBytes[33:65])
	publicKey = base64.RawURLEncoding.EncodeToString(publicBytes)

	privateBytes := make([]byte, 32)
	key.D.FillBytes(privateBytes)
	privateKey = base64.RawURLEncoding.EncodeToString(privateBytes)

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		os.WriteFile(publicFile, []byte(publicKey), 0600)
		os.WriteFile(privateFile, []byte(privateKey), 0600)
	}

	return &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}
}
