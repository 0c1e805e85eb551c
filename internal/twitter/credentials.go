package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dghubble/oauth1"
)

// Credentials is the application credential bundle used to sign every
// stream and REST request.
type Credentials struct {
	ConsumerKey       string `json:"consumer_key"`
	ConsumerSecret    string `json:"consumer_secret"`
	AccessToken       string `json:"access_token"`
	AccessTokenSecret string `json:"access_token_secret"`
}

// ParseCredentials decodes a JSON credential bundle and checks that all four
// fields are present.
func ParseCredentials(raw string) (Credentials, error) {
	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Credentials{}, fmt.Errorf("parsing stream credentials: %w", err)
	}

	var missing []string
	if c.ConsumerKey == "" {
		missing = append(missing, "consumer_key")
	}
	if c.ConsumerSecret == "" {
		missing = append(missing, "consumer_secret")
	}
	if c.AccessToken == "" {
		missing = append(missing, "access_token")
	}
	if c.AccessTokenSecret == "" {
		missing = append(missing, "access_token_secret")
	}
	if len(missing) > 0 {
		return Credentials{}, fmt.Errorf("stream credentials missing %s", strings.Join(missing, ", "))
	}
	return c, nil
}

// HTTPClient returns a client that OAuth1-signs its requests. It has no
// timeout; Stream bounds idle connections with its stall timer and REST sets
// its own.
func (c Credentials) HTTPClient(ctx context.Context) *http.Client {
	cfg := oauth1.NewConfig(c.ConsumerKey, c.ConsumerSecret)
	return cfg.Client(ctx, oauth1.NewToken(c.AccessToken, c.AccessTokenSecret))
}
