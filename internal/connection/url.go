package connection

import (
	"net/url"
	"strings"
)

// BuildURL returns <ws|wss>://<host><path>?token=<token>.
func BuildURL(cfg ManagerConfig, token string) string {
	scheme := "ws"
	if cfg.Secure {
		scheme = "wss"
	}

	path := cfg.Path
	if path == "" {
		path = "/ws"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	u := url.URL{
		Scheme:   scheme,
		Host:     cfg.Host,
		Path:     path,
		RawQuery: url.Values{"token": []string{token}}.Encode(),
	}
	return u.String()
}

// hostOf strips the query so tokens never reach the logs.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
