package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/radif/media/internal/signing"
)

// GrantTTL is the lifetime of a presigned upload URL.
const GrantTTL = 5 * time.Minute

// Grant is a one-time authorization to PUT a single object directly into the
// object store.
type Grant struct {
	Success      bool   `json:"success"`
	PresignedURL string `json:"presignedUrl"`
	PublicURL    string `json:"publicUrl"`
	Key          string `json:"key"`
	ExpiresIn    int    `json:"expiresIn"`
	// ContentType is the type the URL was signed for. The PUT must send it
	// as its Content-Type header.
	ContentType string `json:"contentType"`
}

// ErrHelperRejected is returned when the presign service refused the request
// as invalid. The wrapped message is safe to relay to the client.
var ErrHelperRejected = errors.New("presign request rejected")

// HelperError carries the presign service's status and message.
type HelperError struct {
	Status  int
	Message string
}

func (e *HelperError) Error() string {
	return fmt.Sprintf("presign service returned %d: %s", e.Status, e.Message)
}

// Unwrap marks client errors (4xx other than 401) as rejections.
func (e *HelperError) Unwrap() error {
	if e.Status >= 400 && e.Status < 500 && e.Status != http.StatusUnauthorized {
		return ErrHelperRejected
	}
	return nil
}

// PresignClient calls the presign service over HTTP with a signed payload.
type PresignClient struct {
	BaseURL string
	Secret  []byte
	HTTP    *http.Client
}

// NewPresignClient returns a client for the presign service at baseURL.
func NewPresignClient(baseURL string, secret []byte) *PresignClient {
	return &PresignClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Secret:  secret,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Presign signs p and asks the presign service for a grant.
func (c *PresignClient) Presign(ctx context.Context, p signing.Payload) (*Grant, error) {
	env, err := signing.Sign(c.Secret, p)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/presign", bytes.NewReader(env.Body))
	if err != nil {
		return nil, fmt.Errorf("build presign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signing.Header, env.Signature)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call presign service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read presign response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &env)
		if env.Error == "" {
			env.Error = http.StatusText(resp.StatusCode)
		}
		return nil, &HelperError{Status: resp.StatusCode, Message: env.Error}
	}

	var g Grant
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, fmt.Errorf("decode presign response: %w", err)
	}
	if !g.Success || g.PresignedURL == "" || g.Key == "" {
		return nil, errors.New("presign service returned an incomplete grant")
	}
	return &g, nil
}
