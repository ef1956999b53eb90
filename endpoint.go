package agentlink

import (
	"strconv"
	"strings"
)

// parseEndpoint parses an external server endpoint into host and port.
//
// Accepted formats: "host:port", "scheme://host:port" (http or https), or a
// bare "port". A missing host defaults to localhost. A non-numeric port is a
// format error; a numeric port outside [1, 65535] is a port-range error.
func parseEndpoint(url string) (string, int, error) {
	clean, _ := strings.CutPrefix(url, "https://")
	clean, _ = strings.CutPrefix(clean, "http://")

	var host, portStr string
	if before, after, found := strings.Cut(clean, ":"); found {
		host = before
		portStr = after
	} else {
		portStr = before
	}
	if host == "" {
		host = "localhost"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, configErrorf("invalid server URL %q: expected 'host:port', 'scheme://host:port', or 'port'", url)
	}
	if port <= 0 || port > 65535 {
		return "", 0, configErrorf("port %d in server URL %q is out of range [1, 65535]", port, url)
	}

	return host, port, nil
}
