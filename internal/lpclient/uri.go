package lpclient

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURI resolves uri against the service base.
// Relative URIs that lack the versioned service root (the path component of
// base, e.g. "/devel") get it prepended, relative URIs that already carry it
// are kept as-is. The scheme and host of the result are always the ones of
// base. The function is idempotent.
func NormalizeURI(base *url.URL, uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parsing uri %q failed: %w", uri, err)
	}

	serviceRoot := strings.TrimRight(base.Path, "/")

	if parsed.Host == "" {
		path := parsed.Path
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}

		if serviceRoot != "" && path != serviceRoot && !strings.HasPrefix(path, serviceRoot+"/") {
			path = serviceRoot + path
		}

		parsed.Path = path
	}

	parsed.Scheme = base.Scheme
	parsed.Host = base.Host

	return parsed.String(), nil
}
