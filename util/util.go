package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

//go:embed version.txt
var embeddedVersion string

type RsaKeyPair struct {
	Private string
	Public  string
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

// UserAgent identifies this software and an operator contact to remote servers.
func UserAgent(contactUrl string) string {
	ua := fmt.Sprintf("%s/%s", Name, GetVersion())
	if contactUrl != "" {
		ua += fmt.Sprintf(" (+%s)", contactUrl)
	}
	return ua
}

// SetupLogging configures the global zerolog logger from the config.
func SetupLogging(conf *AppConfig) {
	level, err := zerolog.ParseLevel(conf.Conf.LogLevel)
	if err != nil || conf.Conf.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if conf.Conf.LogJson {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("app", Name).Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}).
		With().Timestamp().Logger()
}

// GeneratePemKeypair creates the RSA key pair an account signs deliveries with.
func GeneratePemKeypair() (*RsaKeyPair, error) {
	return generatePemKeypair(4096)
}

func generatePemKeypair(bitSize int) (*RsaKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rsa key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	})

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}, nil
}
