package amocrm

import (
	"strings"
)

const DefaultAuthorizeURL = "https://www.amocrm.ru/oauth"

type Config struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
	Domain       string `yaml:"domain"`
	TokenPath    string `yaml:"token_path"`

	// AuthorizeURL defaults to DefaultAuthorizeURL.
	AuthorizeURL string `yaml:"authorize_url,omitempty"`
	// BaseURL overrides https://{Domain} for both the token endpoint and /api/v4.
	BaseURL string `yaml:"base_url,omitempty"`
}

// Validate reports the first required key that is empty.
func (c Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"client_id", c.ClientID},
		{"client_secret", c.ClientSecret},
		{"redirect_uri", c.RedirectURI},
		{"domain", c.Domain},
		{"token_path", c.TokenPath},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return &ConfigError{Key: field.key}
		}
	}
	return nil
}

func (c Config) authorizeURL() string {
	if u := strings.TrimSpace(c.AuthorizeURL); u != "" {
		return u
	}
	return DefaultAuthorizeURL
}

func (c Config) baseURL() string {
	if u := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"); u != "" {
		return u
	}
	return "https://" + strings.TrimSpace(c.Domain)
}

func (c Config) tokenURL() string {
	return c.baseURL() + "/oauth2/access_token"
}

func (c Config) apiURL(endpoint string) string {
	return c.baseURL() + "/api/v4/" + strings.TrimLeft(endpoint, "/")
}
