package shell

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var versionSegment = regexp.MustCompile(`/v\d+$`)

// EndpointURL derives the shell websocket endpoint from the control
// plane base URL: the scheme is rewritten to its websocket equivalent,
// any trailing API-version path segment is dropped, and the app and
// credential are appended as session-scoping query parameters.
func EndpointURL(base, appID, token string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", fmt.Errorf("shell: api url is required")
	}
	if strings.TrimSpace(appID) == "" {
		return "", fmt.Errorf("shell: app is required")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("shell: parse api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("shell: unsupported scheme %q", u.Scheme)
	}

	path := strings.TrimRight(u.Path, "/")
	path = versionSegment.ReplaceAllString(path, "")
	u.Path = path + "/shell/connect"

	q := url.Values{}
	q.Set("app", appID)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""

	return u.String(), nil
}
