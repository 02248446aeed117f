// Package normalize contains functions to normalize usernames and addresses.
package normalize

import (
	"strings"

	"kannader.org/kannader/internal/envelope"
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
	"golang.org/x/text/unicode/norm"
)

// User normalices an username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Domain normalizes a DNS domain into UTF-8: IDNA to Unicode, NFC, lower case.
// On error, it will also return the original domain to simplify callers.
func Domain(domain string) (string, error) {
	d, err := idna.ToUnicode(domain)
	if err != nil {
		return domain, err
	}
	return strings.ToLower(norm.NFC.String(d)), nil
}

// Addr normalices an email address using PRECIS.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}
