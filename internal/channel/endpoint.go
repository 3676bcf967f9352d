package channel

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnsupportedScheme is returned for base URLs that are not http(s) or ws(s).
var ErrUnsupportedScheme = errors.New("unsupported scheme")

// Endpoint derives the progress channel URL for clientID from the backend
// base URL: https maps to wss, http maps to ws, and the path is /ws/{clientID}
// under any base path.
func Endpoint(baseURL, clientID string) (string, error) {
	if strings.TrimSpace(clientID) == "" {
		return "", errors.New("client id is required")
	}
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", baseURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}
	basePath := strings.TrimRight(u.Path, "/")
	baseRaw := strings.TrimRight(u.EscapedPath(), "/")
	u.Path = basePath + "/ws/" + clientID
	u.RawPath = baseRaw + "/ws/" + url.PathEscape(clientID)
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String(), nil
}
