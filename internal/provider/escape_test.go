// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package provider

import (
	"context"
	"testing"
)

func TestEscape(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "alice", "alice"},
		{"uppercase folded", "Alice", "alice"},
		{"allowed specials kept", "a-b.c_d=e/f", "a-b.c_d=e/f"},
		{"filter metacharacters dropped", "a*(b)\\c", "abc"},
		{"spaces dropped", " alice bob ", "alicebob"},
		{"unicode dropped", "ålice", "lice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Escape(tt.in); got != tt.want {
				t.Errorf("Escape(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEscapeBinary(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"printable ascii untouched", []byte("abc123"), "abc123"},
		{"specials backslashed", []byte(`a#b,c+d"e\f<g>h;i=j`), `a\#b\,c\+d\"e\\f\<g\>h\;i\=j`},
		{"control bytes hexed", []byte{0x00, 0x1f, 'x'}, `\00\1fx`},
		{"high bytes hexed", []byte{0xca, 0xfe}, `\ca\fe`},
		{"leading and trailing space", []byte(" a "), `\20a\20`},
		{"inner space kept", []byte("a b"), "a b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EscapeBinary(tt.in); got != tt.want {
				t.Errorf("EscapeBinary(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// parseBinaryFilter reads back the RFC 4515 escaping produced by
// EscapeBinary, establishing the round-trip law.
func parseBinaryFilter(s string) []byte {
	var out []byte
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			out = append(out, s[i])
			continue
		}
		i++
		if i >= len(s) {
			break
		}
		c := s[i]
		if isHex(c) && i+1 < len(s) && isHex(s[i+1]) {
			out = append(out, hexVal(c)<<4|hexVal(s[i+1]))
			i++
		} else {
			out = append(out, c)
		}
	}
	return out
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func TestEscapeBinary_RoundTrip(t *testing.T) {
	inputs := [][]byte{
		[]byte("plain"),
		{0x00, 0x01, 0xfe, 0xff},
		[]byte(`sp#ec,ial+chars"here\and<more>of;them=`),
		{' ', 'a', ' '},
	}
	for _, in := range inputs {
		got := parseBinaryFilter(EscapeBinary(in))
		if string(got) != string(in) {
			t.Errorf("round trip of %v produced %v", in, got)
		}
	}
}

func TestUnescapeDN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`cn=plain,dc=example`, `cn=plain,dc=example`},
		{`cn=a\2Cb,dc=example`, `cn=a,b,dc=example`},
		{`cn=a\23b\3dc`, `cn=a#b=c`},
		{`cn=a\5cb`, `cn=a\b`},
		{`cn=x\3cy\3ez\3bq`, `cn=x<y>z;q`},
	}
	for _, tt := range tests {
		if got := UnescapeDN(tt.in); got != tt.want {
			t.Errorf("UnescapeDN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDummy_CheckUser(t *testing.T) {
	d := NewDummy(DummyConfig{ValidPassword: "secret"})

	res, err := d.CheckUser(context.Background(), "anyone", "secret")
	if err != nil || !res.Success {
		t.Errorf("CheckUser with valid password = %+v, %v", res, err)
	}

	res, err = d.CheckUser(context.Background(), "anyone", "wrong")
	if err != nil || res.Success {
		t.Errorf("CheckUser with wrong password = %+v, %v", res, err)
	}
}
