// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package provider

import (
	"fmt"
	"strings"
)

// Escape lowercases s and strips every character outside [a-z0-9-._=/].
// Deliberately not RFC-complete: the filter template supplies the quoting
// context, this only has to keep user input from breaking out of it.
func Escape(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '.' || r == '_' || r == '=' || r == '/':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// binarySpecials are the bytes escaped with a single backslash per
// RFC 4515 section 3.
const binarySpecials = `#,+"\<>;=`

// EscapeBinary renders raw bytes (such as an objectGUID) as an LDAP filter
// value: special bytes get a backslash, bytes below 0x20 or at 0x80 and
// above become \hh, and leading or trailing spaces become \20.
func EscapeBinary(value []byte) string {
	var b strings.Builder
	b.Grow(len(value) * 3)
	for i, c := range value {
		switch {
		case c < 0x20 || c >= 0x80:
			fmt.Fprintf(&b, `\%02x`, c)
		case strings.IndexByte(binarySpecials, c) >= 0:
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == ' ' && (i == 0 || i == len(value)-1):
			b.WriteString(`\20`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// dnHexReplacer converts the RFC 2253 hex escapes a directory server may
// emit in returned DNs back to their literal characters, covering both
// hex cases.
var dnHexReplacer = strings.NewReplacer(
	`\23`, `#`,
	`\2C`, `,`, `\2c`, `,`,
	`\2B`, `+`, `\2b`, `+`,
	`\22`, `"`,
	`\5C`, `\`, `\5c`, `\`,
	`\3C`, `<`, `\3c`, `<`,
	`\3E`, `>`, `\3e`, `>`,
	`\3B`, `;`, `\3b`, `;`,
	`\3D`, `=`, `\3d`, `=`,
)

// UnescapeDN re-encodes RFC 2253 hex escapes in a DN so it can be used as
// the base of a follow-up search.
func UnescapeDN(dn string) string {
	return dnHexReplacer.Replace(dn)
}
