package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Service calls a remote encryption service:
//
//	POST {base}/encrypt {"password": "..."}           -> {"encrypted_password": "..."}
//	POST {base}/decrypt {"encrypted_password": "..."} -> {"password": "..."}
type Service struct {
	base string
	hc   *http.Client
}

// NewService returns a client for the service at base.
func NewService(base string) *Service {
	return &Service{
		base: strings.TrimRight(strings.TrimSpace(base), "/"),
		hc:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *Service) Name() string { return "service" }

type servicePayload struct {
	Password          string `json:"password,omitempty"`
	EncryptedPassword string `json:"encrypted_password,omitempty"`
}

func (s *Service) Encrypt(ctx context.Context, plaintext string) (string, error) {
	var out servicePayload
	if err := s.post(ctx, "/encrypt", servicePayload{Password: plaintext}, &out); err != nil {
		return "", err
	}
	return out.EncryptedPassword, nil
}

func (s *Service) Decrypt(ctx context.Context, token string) (string, error) {
	var out servicePayload
	if err := s.post(ctx, "/decrypt", servicePayload{EncryptedPassword: token}, &out); err != nil {
		return "", err
	}
	return out.Password, nil
}

func (s *Service) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%s %d: %s", path, res.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
