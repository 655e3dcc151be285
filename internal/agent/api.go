package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrUnauthorized means the server no longer accepts our identity token
// (for example after the device was re-registered elsewhere). The supervisor
// reacts by dropping the token and going back through registration.
var ErrUnauthorized = errors.New("identity token rejected")

// ErrRejected carries the server's reason for refusing an unlock attempt.
// Only a generic failure ever crosses the IPC boundary to the overlay.
var ErrRejected = errors.New("unlock rejected")

type APIClient struct {
	BaseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		BaseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		token:   token,
	}
}

func (a *APIClient) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

func (a *APIClient) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

type RegisterInfo struct {
	DeviceID string `json:"deviceId"`
	Username string `json:"username"`
	OS       string `json:"os"`
	Model    string `json:"model"`
}

// Register mints a new identity token. The previous token (if any) stops
// working server-side the moment this succeeds.
func (a *APIClient) Register(ctx context.Context, info RegisterInfo) (string, error) {
	var resp struct {
		DeviceToken string `json:"deviceToken"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/device/register", info, &resp, false); err != nil {
		return "", err
	}
	if resp.DeviceToken == "" {
		return "", errors.New("registration succeeded but no token returned")
	}
	a.SetToken(resp.DeviceToken)
	return resp.DeviceToken, nil
}

func (a *APIClient) Heartbeat(ctx context.Context) error {
	return a.do(ctx, http.MethodPost, "/api/device/heartbeat", struct{}{}, nil, true)
}

func (a *APIClient) SubmitSnapshot(ctx context.Context, processes []string) error {
	body := map[string]any{"processes": processes}
	return a.do(ctx, http.MethodPost, "/api/usage/process-snapshot", body, nil, true)
}

type StateResponse struct {
	LockState string     `json:"lockState"`
	Message   string     `json:"message"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// State fetches the authoritative lock state. Called after every bus
// (re)subscribe because missed commands are not replayed.
func (a *APIClient) State(ctx context.Context) (*StateResponse, error) {
	var resp StateResponse
	if err := a.do(ctx, http.MethodGet, "/api/device/state", nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UnlockWithCode submits a locally entered candidate code for verification.
func (a *APIClient) UnlockWithCode(ctx context.Context, code string) error {
	body := map[string]string{"code": code}
	return a.do(ctx, http.MethodPost, "/api/device/unlock-with-code", body, nil, true)
}

func (a *APIClient) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("X-Device-Token", a.Token())
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && authed && path != "/api/device/unlock-with-code" {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error != "" {
			return fmt.Errorf("%w: %s", ErrRejected, payload.Error)
		}
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
