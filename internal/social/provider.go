package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrUnknownProvider = errors.New("unknown social provider")
	ErrInvalidToken    = errors.New("provider rejected the access token")
)

const maxUserInfoBytes = 1 << 20

// Identity is the provider-side account behind an access token.
type Identity struct {
	Provider   string
	ExternalID string
	Username   string
	Email      string
}

// Resolver looks up identities at each provider's userinfo endpoint.
type Resolver struct {
	endpoints  map[string]string
	httpClient *http.Client
}

func NewResolver(endpoints map[string]string) *Resolver {
	normalized := make(map[string]string, len(endpoints))
	for name, url := range endpoints {
		normalized[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(url)
	}
	return &Resolver{
		endpoints:  normalized,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Resolver) Supports(provider string) bool {
	_, ok := r.endpoints[strings.ToLower(provider)]
	return ok
}

func (r *Resolver) Providers() []string {
	out := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		out = append(out, name)
	}
	return out
}

// userInfo covers the common shapes: OIDC (sub), GitHub/Facebook (id), Twitter (data.id).
type userInfo struct {
	Sub               string          `json:"sub"`
	ID                json.RawMessage `json:"id"`
	PreferredUsername string          `json:"preferred_username"`
	Login             string          `json:"login"`
	Username          string          `json:"username"`
	Name              string          `json:"name"`
	Email             string          `json:"email"`
	Data              *userInfo       `json:"data"`
}

func (r *Resolver) Resolve(ctx context.Context, provider, accessToken string) (*Identity, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	endpoint, ok := r.endpoints[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read userinfo response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed: status %d", resp.StatusCode)
	}

	var info userInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo: %w", err)
	}
	if info.Data != nil && info.Sub == "" && len(info.ID) == 0 {
		info = *info.Data
	}

	id := info.Sub
	if id == "" {
		id = rawID(info.ID)
	}
	if id == "" {
		return nil, errors.New("invalid userinfo: missing subject")
	}

	return &Identity{
		Provider:   provider,
		ExternalID: id,
		Username:   firstNonEmpty(info.PreferredUsername, info.Login, info.Username, info.Name),
		Email:      info.Email,
	}, nil
}

// rawID accepts both string and numeric ids.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
