package protocol

import (
	"net/url"
	"strings"
)

const aliasDomain = ".localhost"

// Alias describes engines that cannot intercept custom schemes directly and
// instead load http(s)://<scheme>.localhost/<path>. The zero value disables
// aliasing.
type Alias struct {
	// Base is "http" or "https"; empty disables aliasing.
	Base string
}

// Enabled reports whether aliasing is active
func (a Alias) Enabled() bool {
	return a.Base == "http" || a.Base == "https"
}

// RewriteURL maps an alias URL onto <scheme>://localhost/<path>. It returns
// false when u is not an alias URL for this mode.
func (a Alias) RewriteURL(u *url.URL) (*url.URL, bool) {
	if !a.Enabled() || u == nil || !strings.EqualFold(u.Scheme, a.Base) {
		return nil, false
	}
	host := strings.ToLower(u.Hostname())
	label, ok := strings.CutSuffix(host, aliasDomain)
	if !ok || label == "" || strings.Contains(label, ".") {
		return nil, false
	}
	if _, err := ParseScheme(label); err != nil {
		return nil, false
	}
	out := *u
	out.Scheme = label
	out.Host = "localhost"
	return &out, true
}

// Rewrite is RewriteURL on a raw URL string
func (a Alias) Rewrite(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	out, ok := a.RewriteURL(u)
	if !ok {
		return "", false
	}
	return out.String(), true
}

// Match reports whether rawURL is the alias form of scheme
func (a Alias) Match(rawURL, scheme string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	out, ok := a.RewriteURL(u)
	return ok && out.Scheme == strings.ToLower(scheme)
}

// Expand returns the URL the engine must load to reach scheme at path.
// With aliasing disabled it returns the native <scheme>://localhost form.
func (a Alias) Expand(scheme, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	scheme = strings.ToLower(scheme)
	if !a.Enabled() {
		return scheme + "://localhost" + path
	}
	return a.Base + "://" + scheme + aliasDomain + path
}
