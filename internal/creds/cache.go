// Package creds is the shared OAuth credential cache. Backends that
// talk to the same credential scope share one token and one in-flight
// refresh; the consent flow that seeds the token files is external.
package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"

	refreshTimeout = 10 * time.Second

	// Tokens within this window of expiry are refreshed eagerly so a
	// request never goes out with a token about to die mid-flight.
	expirySlack = 2 * time.Minute
)

// clientSecret is the subset of the client secret file we need.
type clientSecret struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
}

// Cache deduplicates token refreshes across backends. Keyed by scope
// string (e.g. "google.mail"); at most one refresh per scope is in
// flight regardless of how many backends or connections need it.
type Cache struct {
	dir      string
	endpoint oauth2.Endpoint

	mu     sync.RWMutex
	tokens map[string]*oauth2.Token

	group singleflight.Group
}

// NewCache creates a cache over a credentials directory laid out as
// client_secret.json plus one token_<scope>.json per scope.
func NewCache(dir string) *Cache {
	return &Cache{
		dir: dir,
		endpoint: oauth2.Endpoint{
			AuthURL:  googleAuthURL,
			TokenURL: googleTokenURL,
		},
		tokens: make(map[string]*oauth2.Token),
	}
}

// Token returns a valid token for the scope, refreshing at most once
// across concurrent callers.
func (c *Cache) Token(ctx context.Context, scope string) (*oauth2.Token, error) {
	c.mu.RLock()
	tok := c.tokens[scope]
	c.mu.RUnlock()
	if tok != nil && tok.Valid() && time.Until(tok.Expiry) > expirySlack {
		return tok, nil
	}

	// Concurrent requesters for the same scope wait on one refresh.
	v, err, _ := c.group.Do(scope, func() (any, error) {
		c.mu.RLock()
		cur := c.tokens[scope]
		c.mu.RUnlock()
		if cur != nil && cur.Valid() && time.Until(cur.Expiry) > expirySlack {
			return cur, nil
		}
		return c.refresh(ctx, scope)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// Client returns an http client that authorizes with the scope's token.
func (c *Cache) Client(ctx context.Context, scope string) (*http.Client, error) {
	tok, err := c.Token(ctx, scope)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok)), nil
}

func (c *Cache) refresh(ctx context.Context, scope string) (*oauth2.Token, error) {
	cfg, err := c.oauthConfig()
	if err != nil {
		return nil, err
	}

	stored, err := c.readTokenFile(scope)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	// TokenSource refreshes through the token endpoint when the stored
	// access token is stale.
	fresh, err := cfg.TokenSource(ctx, stored).Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh for scope %s: %w", scope, err)
	}

	c.mu.Lock()
	c.tokens[scope] = fresh
	c.mu.Unlock()

	if fresh.AccessToken != stored.AccessToken {
		// Best effort; a failed persist only costs a refresh next start.
		_ = c.writeTokenFile(scope, fresh)
	}
	return fresh, nil
}

func (c *Cache) oauthConfig() (*oauth2.Config, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, "client_secret.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read client secret: %w", err)
	}
	var secret clientSecret
	if err := json.Unmarshal(data, &secret); err != nil {
		return nil, fmt.Errorf("failed to parse client secret: %w", err)
	}
	if secret.Installed.ClientID == "" {
		return nil, fmt.Errorf("client secret missing installed.client_id")
	}
	return &oauth2.Config{
		ClientID:     secret.Installed.ClientID,
		ClientSecret: secret.Installed.ClientSecret,
		Endpoint:     c.endpoint,
	}, nil
}

func (c *Cache) tokenPath(scope string) string {
	name := strings.ReplaceAll(scope, ".", "_")
	return filepath.Join(c.dir, fmt.Sprintf("token_%s.json", name))
}

func (c *Cache) readTokenFile(scope string) (*oauth2.Token, error) {
	data, err := os.ReadFile(c.tokenPath(scope))
	if err != nil {
		return nil, fmt.Errorf("no stored token for scope %s: %w", scope, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token for scope %s: %w", scope, err)
	}
	return &tok, nil
}

func (c *Cache) writeTokenFile(scope string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return os.WriteFile(c.tokenPath(scope), data, 0600)
}
