package browser

import (
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrDomainNotAllowed is returned when a capture target is outside the
// configured allowlist.
var ErrDomainNotAllowed = eris.New("browser: domain not allowed")

// Allowlist restricts captures to https URLs on known platform domains and
// their subdomains.
type Allowlist struct {
	domains []string
}

// NewAllowlist creates an Allowlist. Domains are matched case-insensitively.
func NewAllowlist(domains []string) *Allowlist {
	a := &Allowlist{}
	for _, d := range domains {
		d = strings.ToLower(strings.Trim(strings.TrimSpace(d), "."))
		if d != "" {
			a.domains = append(a.domains, d)
		}
	}
	return a
}

// Allowed reports whether raw may be captured.
func (a *Allowlist) Allowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.User != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, d := range a.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Check returns ErrDomainNotAllowed when raw is not allowed.
func (a *Allowlist) Check(raw string) error {
	if !a.Allowed(raw) {
		return eris.Wrapf(ErrDomainNotAllowed, "browser: %s", raw)
	}
	return nil
}
