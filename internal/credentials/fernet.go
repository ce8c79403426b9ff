package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"
)

// Fernet encrypts with a local key shared with the account backend, so
// either side can read what the other wrote.
type Fernet struct {
	key *fernet.Key
}

// NewFernet parses a url-safe base64 Fernet key.
func NewFernet(key string) (*Fernet, error) {
	k, err := fernet.DecodeKey(strings.TrimSpace(key))
	if err != nil {
		return nil, fmt.Errorf("decoding fernet key: %w", err)
	}
	return &Fernet{key: k}, nil
}

func (f *Fernet) Name() string { return "local" }

func (f *Fernet) Encrypt(_ context.Context, plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), f.key)
	if err != nil {
		return "", err
	}
	return string(tok), nil
}

// Decrypt accepts tokens of any age.
func (f *Fernet) Decrypt(_ context.Context, token string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{f.key})
	if msg == nil {
		return "", errors.New("invalid fernet token")
	}
	return string(msg), nil
}
