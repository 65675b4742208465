package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// Keyring persists the credential set as JSON in the operating system's
// secret store, filed under the configured service name.
type Keyring struct {
	service string
}

func NewKeyring(service string) *Keyring {
	return &Keyring{service: service}
}

func (k *Keyring) Load(_ context.Context, key string) (Set, bool, error) {
	secret, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return Set{}, false, nil
	}
	if err != nil {
		return Set{}, false, fmt.Errorf("reading credential from keyring: %w", err)
	}

	var set Set
	if err := json.Unmarshal([]byte(secret), &set); err != nil {
		return Set{}, false, fmt.Errorf("parsing keyring credential: %w", err)
	}

	return set, true, nil
}

func (k *Keyring) Save(_ context.Context, key string, set Set) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encoding credential set: %w", err)
	}

	if err := keyring.Set(k.service, key, string(data)); err != nil {
		return fmt.Errorf("writing credential to keyring: %w", err)
	}
	return nil
}

func (k *Keyring) Delete(_ context.Context, key string) error {
	err := keyring.Delete(k.service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("removing credential from keyring: %w", err)
	}
	return nil
}
