package crypto

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alexjbarnes/chat-archive/internal/protocol"
)

const (
	providerTimeout = 30 * time.Second

	// maxProviderResponseBytes caps response body reads from the
	// provider sidecar.
	maxProviderResponseBytes = 4 * 1024 * 1024
)

// HTTPProvider is a Provider implementation backed by a crypto sidecar
// reachable over HTTP. The sidecar owns the olm account, device keys,
// and backup access; this client only moves requests across.
type HTTPProvider struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPProvider creates a provider client for the sidecar at baseURL.
// If httpClient is nil, a client with a 30-second timeout is used.
func NewHTTPProvider(baseURL string, httpClient *http.Client) *HTTPProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: providerTimeout}
	}

	return &HTTPProvider{httpClient: httpClient, baseURL: baseURL}
}

type readinessResponse struct {
	CrossSigningReady  bool `json:"cross_signing_ready"`
	SecretStorageReady bool `json:"secret_storage_ready"`
}

func (p *HTTPProvider) IsCrossSigningReady(ctx context.Context) (bool, error) {
	var resp readinessResponse
	if err := p.do(ctx, http.MethodGet, "/crypto/v1/status", nil, &resp); err != nil {
		return false, err
	}

	return resp.CrossSigningReady, nil
}

func (p *HTTPProvider) IsSecretStorageReady(ctx context.Context) (bool, error) {
	var resp readinessResponse
	if err := p.do(ctx, http.MethodGet, "/crypto/v1/status", nil, &resp); err != nil {
		return false, err
	}

	return resp.SecretStorageReady, nil
}

func (p *HTTPProvider) KeyBackupInfo(ctx context.Context) (*BackupInfo, error) {
	var info BackupInfo

	err := p.do(ctx, http.MethodGet, "/crypto/v1/backup", nil, &info)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return &info, nil
}

func (p *HTTPProvider) CheckAndEnableKeyBackup(ctx context.Context) (*BackupInfo, error) {
	var info BackupInfo
	if err := p.do(ctx, http.MethodPost, "/crypto/v1/backup/check", nil, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

func (p *HTTPProvider) ResetKeyBackup(ctx context.Context) (*BackupInfo, error) {
	var info BackupInfo
	if err := p.do(ctx, http.MethodPost, "/crypto/v1/backup/reset", nil, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

type decryptResponse struct {
	Content json.RawMessage `json:"content"`
	Error   string          `json:"error"`
	Msg     string          `json:"msg"`
}

func (p *HTTPProvider) DecryptEvent(ctx context.Context, ev protocol.TimelineEvent) (json.RawMessage, error) {
	var resp decryptResponse

	err := p.do(ctx, http.MethodPost, "/crypto/v1/decrypt", ev, &resp)
	if err != nil {
		if errors.Is(err, errUnprocessable) {
			// Key not available yet. Typed so callers can route the
			// event into the decrypt-retry lane.
			return nil, &DecryptionError{EventID: ev.ID, Err: errors.New(resp.Msg)}
		}

		return nil, err
	}

	if resp.Error != "" {
		return nil, fmt.Errorf("provider decrypt error: %s", resp.Error)
	}

	return resp.Content, nil
}

type restoreRequest struct {
	// Key is the hex-encoded derived backup key.
	Key string `json:"key"`
}

type restoreResponse struct {
	Imported int `json:"imported"`
}

func (p *HTTPProvider) RestoreBackupWithKey(ctx context.Context, key []byte) (int, error) {
	var resp restoreResponse
	if err := p.do(ctx, http.MethodPost, "/crypto/v1/backup/restore", restoreRequest{Key: hex.EncodeToString(key)}, &resp); err != nil {
		return 0, err
	}

	return resp.Imported, nil
}

func (p *HTTPProvider) RestoreBackupWithSecretStorage(ctx context.Context) (int, error) {
	var resp restoreResponse
	if err := p.do(ctx, http.MethodPost, "/crypto/v1/backup/restore/secret-storage", nil, &resp); err != nil {
		return 0, err
	}

	return resp.Imported, nil
}

var (
	errNotFound      = errors.New("provider: not found")
	errUnprocessable = errors.New("provider: unprocessable")
)

// do issues a request to the sidecar and decodes the JSON response into
// out. 404 and 422 map to sentinel errors; out is still populated from
// the body when possible so callers can read error details.
func (p *HTTPProvider) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}

		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return fmt.Errorf("reading provider response: %w", err)
	}

	if out != nil && len(data) > 0 {
		// Best effort: error bodies may not match the success shape.
		_ = json.Unmarshal(data, out)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return errNotFound
	case http.StatusUnprocessableEntity:
		return errUnprocessable
	default:
		return fmt.Errorf("provider returned %s", resp.Status)
	}
}
