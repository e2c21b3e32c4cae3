package identifier

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/net/idna"
)

var (
	errEmpty       = errors.New("empty value")
	handlePattern  = regexp.MustCompile(`^[a-z0-9._-]{1,64}$`)
	nonDigits      = regexp.MustCompile(`[^0-9]`)
	domainLabelsRe = regexp.MustCompile(`^[\p{L}\p{N}-]+(\.[\p{L}\p{N}-]+)+$`)
)

// NormalizePhone parses raw with the given default region and returns the
// E.164 number as digits only, without the leading "+".
func NormalizePhone(raw, defaultRegion string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errEmpty
	}
	if compact := strings.TrimLeft(s, " "); strings.HasPrefix(compact, "00") {
		s = "+" + strings.TrimPrefix(compact, "00")
	}
	num, err := phonenumbers.Parse(s, strings.ToUpper(defaultRegion))
	if err != nil {
		return "", fmt.Errorf("unparseable phone number: %w", err)
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", errors.New("not a possible phone number")
	}
	e164 := phonenumbers.Format(num, phonenumbers.E164)
	return nonDigits.ReplaceAllString(e164, ""), nil
}

// NormalizeEmail lowercases and trims an address. Display-name forms such as
// "Bob <bob@example.com>" are accepted. The domain is kept in Unicode form so
// punycode and Unicode spellings compare equal.
func NormalizeEmail(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errEmpty
	}
	s = strings.TrimPrefix(s, "mailto:")
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("invalid email: %w", err)
	}
	a := strings.ToLower(strings.TrimSpace(addr.Address))
	at := strings.LastIndexByte(a, '@')
	if at <= 0 || at == len(a)-1 {
		return "", fmt.Errorf("invalid email %q", raw)
	}
	domain, err := NormalizeDomain(a[at+1:])
	if err != nil {
		return "", err
	}
	return a[:at] + "@" + domain, nil
}

// NormalizeDomain lowercases a host name, strips "www." and trailing dots,
// and returns its Unicode form.
func NormalizeDomain(raw string) (string, error) {
	d := strings.Trim(strings.ToLower(strings.TrimSpace(raw)), ".")
	d = strings.TrimPrefix(d, "www.")
	if d == "" {
		return "", errEmpty
	}
	u, err := idna.Lookup.ToUnicode(d)
	if err != nil {
		return "", fmt.Errorf("invalid domain %q: %w", raw, err)
	}
	if !domainLabelsRe.MatchString(u) {
		return "", fmt.Errorf("invalid domain %q", raw)
	}
	return u, nil
}

// DomainFromURL extracts the normalized host of a website value. Bare hosts
// ("acme.com") are accepted.
func DomainFromURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errEmpty
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	return NormalizeDomain(u.Hostname())
}

// socialHosts maps hosts whose first path segment is the handle. LinkedIn
// profile paths carry a "/in/" prefix.
var socialHosts = map[string]string{
	"x.com":         "",
	"twitter.com":   "",
	"instagram.com": "",
	"facebook.com":  "",
	"tiktok.com":    "",
	"threads.net":   "",
	"t.me":          "",
	"github.com":    "",
	"linkedin.com":  "in",
}

// IsSocialURL reports whether raw is a profile URL on a known social host or
// a fediverse-style "/@user" URL.
func IsSocialURL(raw string) bool {
	u, err := parseLooseURL(raw)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if _, ok := socialHosts[host]; ok {
		return true
	}
	return strings.HasPrefix(strings.TrimPrefix(u.Path, "/"), "@")
}

// NormalizeHandle strips protocol, host and "@" wrapping from a social handle.
// fromURL reports whether the handle was taken out of a profile URL.
// Fediverse handles keep their instance: "@alice@Mastodon.Social" becomes
// "alice@mastodon.social".
func NormalizeHandle(raw string) (handle string, fromURL bool, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false, errEmpty
	}
	if strings.Contains(s, "/") {
		h, err := handleFromURL(s)
		return h, true, err
	}
	s = strings.TrimPrefix(strings.ToLower(s), "@")
	if user, instance, ok := strings.Cut(s, "@"); ok {
		if !handlePattern.MatchString(user) {
			return "", false, fmt.Errorf("invalid handle %q", raw)
		}
		domain, err := NormalizeDomain(instance)
		if err != nil {
			return "", false, err
		}
		return user + "@" + domain, false, nil
	}
	if !handlePattern.MatchString(s) {
		return "", false, fmt.Errorf("invalid handle %q", raw)
	}
	return s, false, nil
}

func handleFromURL(raw string) (string, error) {
	u, err := parseLooseURL(raw)
	if err != nil {
		return "", fmt.Errorf("invalid profile url: %w", err)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	var segments []string
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("profile url %q has no handle", raw)
	}
	if prefix, ok := socialHosts[host]; ok {
		if prefix != "" {
			if len(segments) < 2 || segments[0] != prefix {
				return "", fmt.Errorf("profile url %q has no handle", raw)
			}
			segments = segments[1:]
		}
		h := strings.TrimPrefix(strings.ToLower(segments[0]), "@")
		if !handlePattern.MatchString(h) {
			return "", fmt.Errorf("invalid handle in %q", raw)
		}
		return h, nil
	}
	if strings.HasPrefix(segments[0], "@") {
		h := strings.ToLower(strings.TrimPrefix(segments[0], "@"))
		if !handlePattern.MatchString(h) {
			return "", fmt.Errorf("invalid handle in %q", raw)
		}
		domain, err := NormalizeDomain(host)
		if err != nil {
			return "", err
		}
		return h + "@" + domain, nil
	}
	return "", fmt.Errorf("unrecognized profile url %q", raw)
}

func parseLooseURL(raw string) (*url.URL, error) {
	s := strings.TrimSpace(raw)
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Hostname() == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}
