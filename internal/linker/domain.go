package linker

import (
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

var freeMailDomains = map[string]bool{
	"gmail.com": true, "googlemail.com": true, "yahoo.com": true, "ymail.com": true,
	"outlook.com": true, "hotmail.com": true, "live.com": true, "msn.com": true,
	"icloud.com": true, "me.com": true, "mac.com": true, "aol.com": true,
	"proton.me": true, "protonmail.com": true, "gmx.com": true, "gmx.de": true,
	"web.de": true, "mail.com": true, "yandex.ru": true, "qq.com": true,
	"163.com": true, "zoho.com": true, "fastmail.com": true, "hey.com": true,
}

// IsFreeMail reports whether domain belongs to a consumer mail provider,
// whose addresses say nothing about the sender's company.
func IsFreeMail(domain string) bool {
	reg, ok := Registrable(domain)
	return ok && freeMailDomains[reg]
}

// Registrable returns the registrable domain (eTLD+1) of domain in ASCII form.
func Registrable(domain string) (string, bool) {
	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), "."))
	if err != nil || ascii == "" {
		return "", false
	}
	reg, err := publicsuffix.EffectiveTLDPlusOne(ascii)
	if err != nil {
		return "", false
	}
	return reg, true
}

// DomainConfidence scores a company domain match for an email domain. Both
// must share a registrable domain, and the email domain must equal or sit
// below the company domain. An exact match scores 0.6 plus 0.1 per label
// beyond the registrable domain, capped at 0.9; a subdomain match scores 0.5.
func DomainConfidence(emailDomain, recordDomain string) (float64, bool) {
	email, err := idna.Lookup.ToASCII(strings.ToLower(strings.TrimSpace(emailDomain)))
	if err != nil {
		return 0, false
	}
	record, err := idna.Lookup.ToASCII(strings.ToLower(strings.TrimSpace(recordDomain)))
	if err != nil {
		return 0, false
	}
	emailReg, ok := Registrable(email)
	if !ok {
		return 0, false
	}
	recordReg, ok := Registrable(record)
	if !ok || emailReg != recordReg || freeMailDomains[emailReg] {
		return 0, false
	}
	switch {
	case email == record:
		extra := strings.Count(record, ".") - strings.Count(recordReg, ".")
		conf := 0.6 + 0.1*float64(extra)
		if conf > 0.9 {
			conf = 0.9
		}
		return conf, true
	case strings.HasSuffix(email, "."+record):
		return 0.5, true
	default:
		return 0, false
	}
}

func emailDomain(normalized string) string {
	i := strings.LastIndexByte(normalized, '@')
	if i < 0 {
		return ""
	}
	return normalized[i+1:]
}
