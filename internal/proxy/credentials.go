package proxy

import (
	"fmt"
	"net/url"
)

// SplitCredentials separates userinfo from a proxy endpoint. Browsers take the
// bare server as a launch flag and answer auth challenges separately.
func SplitCredentials(endpoint string) (string, *url.Userinfo, error) {
	if endpoint == "" {
		return "", nil, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("parse proxy: %w", err)
	}
	creds := u.User
	u.User = nil
	return u.String(), creds, nil
}
