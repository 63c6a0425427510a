// Subscriber input parsing.
//
// Raw signup input is untrusted; these constructors are the only way to turn
// it into values the rest of the application accepts. Both return a descriptive
// error for invalid input so handlers can surface it as a 400.
package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"
)

// SubscriberEmail is a syntactically valid email address.
type SubscriberEmail string

// ParseSubscriberEmail validates s as an addr-spec ("user@host"). Display
// names, angle brackets, and surrounding whitespace are rejected so the value
// stored equals the value sent to the transport.
func ParseSubscriberEmail(s string) (SubscriberEmail, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%q is not a valid email address: empty", s)
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("%q is not a valid email address", s)
	}
	if addr.Name != "" || addr.Address != s {
		return "", fmt.Errorf("%q is not a valid email address", s)
	}
	return SubscriberEmail(s), nil
}

// String returns the underlying address.
func (e SubscriberEmail) String() string { return string(e) }

// maxSubscriberNameLen caps stored names by byte length.
const maxSubscriberNameLen = 256

// forbiddenNameChars may not appear in subscriber names; they are the usual
// suspects for injection into HTML or header contexts.
const forbiddenNameChars = `/()"<>\{}`

// SubscriberName is a validated display name.
type SubscriberName string

// ParseSubscriberName trims s and rejects empty, overlong, or unsafe names.
func ParseSubscriberName(s string) (SubscriberName, error) {
	name := strings.TrimSpace(s)
	if name == "" {
		return "", fmt.Errorf("subscriber name cannot be empty")
	}
	if len(name) > maxSubscriberNameLen {
		return "", fmt.Errorf("subscriber name cannot exceed %d characters", maxSubscriberNameLen)
	}
	if strings.ContainsAny(name, forbiddenNameChars) {
		return "", fmt.Errorf("subscriber name contains forbidden characters (%s)", forbiddenNameChars)
	}
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("subscriber name is not valid UTF-8")
	}
	return SubscriberName(name), nil
}

// String returns the underlying name.
func (n SubscriberName) String() string { return string(n) }
