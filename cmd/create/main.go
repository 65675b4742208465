// This command is only used for local testing: it writes a locally-signed
// credential set into the configured credential store, so that a client
// started against a local marketplace server begins already signed in.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/sethvargo/go-envconfig"

	"github.com/chinmina/marketplace-session/internal/config"
	"github.com/chinmina/marketplace-session/internal/credential"
)

type Config struct {
	Subject         string        `env:"UTIL_SUBJECT, default=test-subject"`
	Role            string        `env:"UTIL_ROLE, default=user"`
	Lifetime        time.Duration `env:"UTIL_LIFETIME, default=2m"`
	SigningKey      string        `env:"UTIL_SIGNING_KEY, default=local-testing"`
	CredentialStore config.CredentialStoreConfig
}

func main() {
	ctx := context.Background()

	cfg := Config{}
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	if cfg.CredentialStore.Type != "file" {
		fmt.Fprintf(os.Stderr, "CREDENTIAL_STORE_TYPE must be file, got %q\n", cfg.CredentialStore.Type)
		os.Exit(1)
	}

	persister, err := credential.NewPersisterFromConfig(cfg.CredentialStore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening credential store: %v\n", err)
		os.Exit(1)
	}

	accessToken, err := createJWT(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating JWT: %v\n", err)
		os.Exit(1)
	}

	set := credential.Set{
		AccessToken:  accessToken,
		RenewalToken: uuid.NewString(),
		SubjectID:    cfg.Subject,
		Role:         credential.Role(cfg.Role),
	}

	if err := persister.Save(ctx, cfg.CredentialStore.Key, set); err != nil {
		fmt.Fprintf(os.Stderr, "error saving credential set: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s", set.RenewalToken)
}

// createJWT signs an access credential with a shared secret. Clients never
// verify the signature; the local server only needs to recognise it.
func createJWT(cfg Config) (string, error) {
	now := time.Now().UTC()

	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   cfg.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-1 * time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Lifetime)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.SigningKey))
}
