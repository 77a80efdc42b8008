package client

import (
	"context"
	"net/http"
	"strings"
)

// Version fetches the running worker's version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, false, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// VersionsCompatible reports whether a CLI and a worker build can talk to each
// other: "dev" matches anything, otherwise the semver bases must agree
// ("v0.3.5-2-gca711a8-dirty" and "0.3.5" do).
func VersionsCompatible(v1, v2 string) bool {
	if v1 == "dev" || v2 == "dev" {
		return true
	}
	return baseVersion(v1) == baseVersion(v2)
}

// baseVersion strips a leading v and any -suffix: "v0.3.5-2-gca711a8" -> "0.3.5".
func baseVersion(version string) string {
	v := strings.TrimPrefix(version, "v")
	if idx := strings.Index(v, "-"); idx > 0 {
		v = v[:idx]
	}
	return v
}
