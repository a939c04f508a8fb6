package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringResolver reads secrets from the operating system keychain.
// References are "user" under Service, or "service/user".
type KeyringResolver struct {
	Service string
}

// Resolve looks up the keychain item named by ref.
func (r KeyringResolver) Resolve(_ context.Context, ref string) (string, error) {
	service, user := r.Service, ref
	if s, u, ok := strings.Cut(ref, "/"); ok {
		service, user = s, u
	}
	if service == "" || user == "" {
		return "", fmt.Errorf("%w: keyring reference %q", ErrInvalidRef, ref)
	}
	val, err := keyring.Get(service, user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: keyring item %s/%s", ErrNotFound, service, user)
		}
		return "", fmt.Errorf("secrets: keyring %s/%s: %w", service, user, err)
	}
	return val, nil
}
