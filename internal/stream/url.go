package stream

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultWSURL is used when neither a WebSocket base nor an API base is set.
const DefaultWSURL = "ws://localhost/ws"

// BuildWSURL resolves the stream endpoint. An explicit wsBase wins; otherwise
// the endpoint is derived from apiBase by switching http(s) to ws(s) and
// replacing the path with /ws. A non-empty apiKey is appended as the api_key
// query parameter.
func BuildWSURL(wsBase, apiBase, apiKey string) (string, error) {
	var u *url.URL
	switch {
	case wsBase != "":
		parsed, err := url.Parse(wsBase)
		if err != nil {
			return "", fmt.Errorf("stream: ws base %q: %w", wsBase, err)
		}
		u = parsed
	case apiBase != "":
		parsed, err := url.Parse(apiBase)
		if err != nil {
			return "", fmt.Errorf("stream: api base %q: %w", apiBase, err)
		}
		if parsed.Host == "" {
			return "", fmt.Errorf("stream: api base %q has no host", apiBase)
		}
		parsed.Scheme = strings.Replace(parsed.Scheme, "http", "ws", 1)
		parsed.Path = "/ws"
		parsed.RawPath = ""
		u = parsed
	default:
		u, _ = url.Parse(DefaultWSURL)
	}

	if apiKey != "" {
		q := u.Query()
		q.Set("api_key", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// BuildSSEURL joins apiBase and path for the event-stream endpoint.
func BuildSSEURL(apiBase, path string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("stream: api base %q: %w", apiBase, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("stream: api base %q has no host", apiBase)
	}
	return u.JoinPath(path).String(), nil
}
