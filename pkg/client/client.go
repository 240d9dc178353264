// Package client is a typed Go client for a node's client API.
package client

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

	"github.com/fystack/orion/pkg/api"
	"github.com/fystack/orion/pkg/digest"
	"github.com/fystack/orion/pkg/encryption"
	"github.com/fystack/orion/pkg/storage"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx answer from the client API. It matches the
// corresponding library sentinel under errors.Is.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orion: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch e.Kind {
	case api.KindNotFound:
		return target == storage.ErrNotFound
	case api.KindAuthorization:
		return target == encryption.ErrAuthorization
	case api.KindIntegrity:
		return target == encryption.ErrIntegrity
	case api.KindStorageUnavailable:
		return target == storage.ErrUnavailable
	case api.KindBadRequest:
		return target == api.ErrBadRequest
	}
	return false
}

type Options struct {
	// BaseURL of the client API, e.g. http://localhost:8888.
	BaseURL    string
	HTTPClient *http.Client
}

type Client struct {
	base string
	http *http.Client
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("client: base url is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{base: base, http: hc}, nil
}

// Send stores payload for to and returns its digest. A nil from uses the
// node's default key.
func (c *Client) Send(ctx context.Context, payload []byte, from *encryption.PublicKey, to []encryption.PublicKey) (digest.Digest, error) {
	req := api.SendRequest{Payload: payload, To: keyStrings(to)}
	if from != nil {
		req.From = from.String()
	}
	var resp api.SendResponse
	if err := c.doJSON(ctx, "/send", req, &resp); err != nil {
		return digest.Digest{}, err
	}
	return digest.Parse(resp.Key)
}

// Receive returns the plaintext at d for the hosted key to. A zero to lets
// the node pick its first hosted recipient.
func (c *Client) Receive(ctx context.Context, d digest.Digest, to encryption.PublicKey) ([]byte, error) {
	req := api.ReceiveRequest{Key: d.String()}
	if !to.IsZero() {
		req.To = to.String()
	}
	var resp api.ReceiveResponse
	if err := c.doJSON(ctx, "/receive", req, &resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (c *Client) SendRaw(ctx context.Context, payload []byte, from *encryption.PublicKey, to []encryption.PublicKey) (digest.Digest, error) {
	header := http.Header{}
	if from != nil {
		header.Set(api.HeaderFrom, from.String())
	}
	if len(to) > 0 {
		header.Set(api.HeaderTo, strings.Join(keyStrings(to), ","))
	}
	body, err := c.do(ctx, http.MethodPost, "/sendraw", "application/octet-stream", header, payload)
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.Parse(strings.TrimSpace(string(body)))
}

func (c *Client) ReceiveRaw(ctx context.Context, d digest.Digest, to encryption.PublicKey) ([]byte, error) {
	header := http.Header{}
	header.Set(api.HeaderKey, d.String())
	if !to.IsZero() {
		header.Set(api.HeaderTo, to.String())
	}
	return c.do(ctx, http.MethodPost, "/receiveraw", "", header, nil)
}

// Upcheck returns nil when the node answers its health endpoint.
func (c *Client) Upcheck(ctx context.Context) error {
	body, err := c.do(ctx, http.MethodGet, "/upcheck", "", nil, nil)
	if err != nil {
		return err
	}
	if got := strings.TrimSpace(string(body)); got != api.UpcheckResponse {
		return fmt.Errorf("client: unexpected upcheck answer %q", got)
	}
	return nil
}

func (c *Client) PublicKeys(ctx context.Context) ([]encryption.PublicKey, error) {
	body, err := c.do(ctx, http.MethodGet, "/publickeys", "", nil, nil)
	if err != nil {
		return nil, err
	}
	var resp api.PublicKeysResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode public keys: %w", err)
	}
	return encryption.ParsePublicKeys(resp.Keys)
}

func (c *Client) doJSON(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	body, err := c.do(ctx, http.MethodPost, path, "application/json", nil, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, header http.Header, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, api.MaxPayloadBytes+1))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Kind: api.KindInternal, Message: strings.TrimSpace(string(respBody))}
	var e api.ErrorResponse
	if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
		apiErr.Kind = e.Error
		apiErr.Message = e.Message
	}
	return nil, apiErr
}

func keyStrings(keys []encryption.PublicKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}
