// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/mapper"
)

// LDAPAttributes names the directory attributes the provider reads.
type LDAPAttributes struct {
	UID          string `json:"uid" validate:"required"`
	PersistentID string `json:"persistentId"`
	Enabled      string `json:"enabled"`
	Displayname  string `json:"displayname"`
	Admin        string `json:"admin"`
}

// LDAPConfig configures the LDAP password provider.
type LDAPConfig struct {
	URL          string `json:"url" validate:"required"`
	Base         string `json:"base" validate:"required"`
	BindDn       string `json:"bindDn"`
	BindPassword string `json:"bindPassword"`

	// UserBase overrides Base for user searches.
	UserBase string `json:"userBase"`

	// UserFilter is the primary search filter; %s is replaced with the
	// escaped username. Defaults to an equality match on the uid
	// attribute.
	UserFilter string `json:"userFilter"`

	// PidFilter locates a user by persistent ID during the mapper
	// fallback; %s is replaced with the escaped ID.
	PidFilter string `json:"pidFilter"`

	Attributes LDAPAttributes `json:"attributes"`

	// AllowUnauthorized skips TLS certificate verification.
	AllowUnauthorized bool `json:"allowUnauthorized"`
}

// LDAP authenticates users with a bind-search-bind against a directory.
type LDAP struct {
	cfg    LDAPConfig
	mapper *mapper.Mapper
	log    zerolog.Logger
}

// NewLDAP creates the LDAP provider. The mapper supplies the
// localpart -> persistent-ID fallback and the final localpart derivation.
func NewLDAP(cfg LDAPConfig, m *mapper.Mapper) (*LDAP, error) {
	if cfg.URL == "" || cfg.Base == "" {
		return nil, fmt.Errorf("ldap: url and base are required")
	}
	if cfg.Attributes.UID == "" {
		cfg.Attributes.UID = "uid"
	}
	return &LDAP{
		cfg:    cfg,
		mapper: m,
		log:    logging.With().Str("component", "ldap").Logger(),
	}, nil
}

// Name implements Password.
func (l *LDAP) Name() string { return "ldap" }

// CheckUser implements Password with a bind-search-bind:
// a service-credential search locates the user's DN (falling back to the
// username mapper's reverse index), a second connection binds as that DN
// with the supplied password, and a self-search on the bound connection
// re-fetches the user's attributes.
func (l *LDAP) CheckUser(ctx context.Context, username, password string) (Result, error) {
	search, err := l.dial(ctx)
	if err != nil {
		return Result{}, err
	}
	defer search.Close()

	if err := search.Bind(l.cfg.BindDn, l.cfg.BindPassword); err != nil {
		return Result{}, fmt.Errorf("ldap: service bind: %w", err)
	}

	entries, err := l.findUser(search, username)
	if err != nil {
		return Result{}, err
	}
	if len(entries) != 1 {
		l.log.Debug().Str("user", username).Int("hits", len(entries)).
			Msg("search did not yield exactly one entry")
		return Result{}, nil
	}
	entry := entries[0]

	if attr := l.cfg.Attributes.Enabled; attr != "" {
		if entry.GetAttributeValue(attr) == "FALSE" {
			l.log.Info().Str("user", username).Msg("user deactivated")
			return Result{}, nil
		}
	}

	// Bind as the discovered DN with the user-supplied password.
	user, err := l.dial(ctx)
	if err != nil {
		return Result{}, err
	}
	defer user.Close()

	dn := UnescapeDN(entry.DN)
	if err := user.Bind(dn, password); err != nil {
		l.log.Debug().Str("dn", dn).Msg("user bind rejected")
		return Result{}, nil
	}

	// Self-search on the bound connection; some directories only expose
	// the full attribute set to the user themselves.
	self, err := l.search(user, dn, ldap.ScopeBaseObject, "(objectClass=*)")
	if err != nil {
		return Result{}, err
	}
	if len(self) != 1 {
		return Result{}, fmt.Errorf("ldap: self-search at %s returned %d entries", dn, len(self))
	}

	return l.resultFromEntry(self[0])
}

// ChangePassword implements Changer via the Password Modify extended
// operation (RFC 3062), executed on a connection bound as the user so the
// directory enforces its own old-password check as well.
func (l *LDAP) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) (bool, error) {
	search, err := l.dial(ctx)
	if err != nil {
		return false, err
	}
	defer search.Close()

	if err := search.Bind(l.cfg.BindDn, l.cfg.BindPassword); err != nil {
		return false, fmt.Errorf("ldap: service bind: %w", err)
	}

	entries, err := l.findUser(search, username)
	if err != nil {
		return false, err
	}
	if len(entries) != 1 {
		return false, nil
	}

	user, err := l.dial(ctx)
	if err != nil {
		return false, err
	}
	defer user.Close()

	dn := UnescapeDN(entries[0].DN)
	if err := user.Bind(dn, oldPassword); err != nil {
		return false, nil
	}

	req := ldap.NewPasswordModifyRequest("", oldPassword, newPassword)
	if _, err := user.PasswordModify(req); err != nil {
		l.log.Warn().Err(err).Str("dn", dn).Msg("password modify failed")
		return false, nil
	}
	return true, nil
}

// resultFromEntry extracts the authenticated attributes and, when a
// persistent ID exists, derives the canonical localpart through the
// mapper.
func (l *LDAP) resultFromEntry(entry *ldap.Entry) (Result, error) {
	res := Result{Success: true}

	attrs := l.cfg.Attributes
	username := entry.GetAttributeValue(attrs.UID)
	if attrs.Displayname != "" {
		res.Displayname = entry.GetAttributeValue(attrs.Displayname)
	}
	if attrs.Admin != "" {
		switch entry.GetAttributeValue(attrs.Admin) {
		case "TRUE":
			t := true
			res.Admin = &t
		case "FALSE":
			f := false
			res.Admin = &f
		}
	}

	var pid []byte
	if attrs.PersistentID != "" {
		pid = entry.GetRawAttributeValue(attrs.PersistentID)
	}
	if len(pid) > 0 {
		localpart, err := l.mapper.UsernameToLocalpart(username, pid)
		if err != nil {
			return Result{}, fmt.Errorf("ldap: map username: %w", err)
		}
		res.Username = localpart
	}
	return res, nil
}

// findUser locates the user's entry: first with the configured user
// filter, then — treating the submitted name as a Matrix localpart — via
// the mapper's reverse index, by persistent ID and finally by the mapped
// source username.
func (l *LDAP) findUser(conn *ldap.Conn, username string) ([]*ldap.Entry, error) {
	base := l.cfg.UserBase
	if base == "" {
		base = l.cfg.Base
	}

	escaped := Escape(username)
	filter := fmt.Sprintf("(%s=%s)", l.cfg.Attributes.UID, escaped)
	if l.cfg.UserFilter != "" {
		filter = strings.ReplaceAll(l.cfg.UserFilter, "%s", escaped)
	}

	entries, err := l.search(conn, base, ldap.ScopeWholeSubtree, filter)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 || l.mapper == nil {
		return entries, nil
	}

	mapped, err := l.mapper.LocalpartToUsername(username)
	if err != nil {
		return nil, err
	}
	if mapped == nil || len(mapped.PersistentID) == 0 || l.cfg.PidFilter == "" {
		return nil, nil
	}

	entries, err = l.searchByPid(conn, base, mapped.PersistentID)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return entries, nil
	}

	// Last resort: the source username recorded in the reverse index.
	return l.search(conn, base, ldap.ScopeWholeSubtree,
		fmt.Sprintf("(%s=%s)", l.cfg.Attributes.UID, Escape(mapped.Username)))
}

// searchByPid locates entries via the configured pidFilter; the escape
// form follows the mapper's binaryPid setting.
func (l *LDAP) searchByPid(conn *ldap.Conn, base string, pid []byte) ([]*ldap.Entry, error) {
	var escaped string
	if l.mapper != nil && l.mapper.BinaryPid() {
		escaped = EscapeBinary(pid)
	} else {
		escaped = Escape(string(pid))
	}
	return l.search(conn, base, ldap.ScopeWholeSubtree,
		strings.ReplaceAll(l.cfg.PidFilter, "%s", escaped))
}

// FindByPersistentID resolves a persistent ID to the entry's current
// source username with a fresh service-credential search. The repair
// utility uses it to rebuild mappings from live directory data.
func (l *LDAP) FindByPersistentID(ctx context.Context, pid []byte) (string, bool, error) {
	if l.cfg.PidFilter == "" {
		return "", false, fmt.Errorf("ldap: pidFilter is not configured")
	}

	conn, err := l.dial(ctx)
	if err != nil {
		return "", false, err
	}
	defer conn.Close()

	if err := conn.Bind(l.cfg.BindDn, l.cfg.BindPassword); err != nil {
		return "", false, fmt.Errorf("ldap: service bind: %w", err)
	}

	base := l.cfg.UserBase
	if base == "" {
		base = l.cfg.Base
	}
	entries, err := l.searchByPid(conn, base, pid)
	if err != nil {
		return "", false, err
	}
	if len(entries) != 1 {
		return "", false, nil
	}
	return entries[0].GetAttributeValue(l.cfg.Attributes.UID), true, nil
}

// search runs one search request fetching the configured attributes.
func (l *LDAP) search(conn *ldap.Conn, base string, scope int, filter string) ([]*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		base, scope, ldap.NeverDerefAliases, 0, 0, false,
		filter, l.attributeList(), nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, fmt.Errorf("ldap: search %q: %w", filter, err)
	}
	return res.Entries, nil
}

func (l *LDAP) attributeList() []string {
	attrs := []string{l.cfg.Attributes.UID}
	for _, a := range []string{
		l.cfg.Attributes.PersistentID,
		l.cfg.Attributes.Enabled,
		l.cfg.Attributes.Displayname,
		l.cfg.Attributes.Admin,
	} {
		if a != "" {
			attrs = append(attrs, a)
		}
	}
	return attrs
}

// dial opens one connection per call; each CheckUser owns its own
// connections and closes them on every exit path.
func (l *LDAP) dial(ctx context.Context) (*ldap.Conn, error) {
	conn, err := ldap.DialURL(l.cfg.URL, ldap.DialWithTLSConfig(&tls.Config{
		//nolint:gosec // explicit opt-in for self-signed test directories
		InsecureSkipVerify: l.cfg.AllowUnauthorized,
	}))
	if err != nil {
		return nil, fmt.Errorf("ldap: dial %s: %w", l.cfg.URL, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetTimeout(deadline.Sub(timeNow()))
	}
	return conn, nil
}

// timeNow is stubbed in tests.
var timeNow = time.Now

// Compile-time interface assertions
var (
	_ Password = (*LDAP)(nil)
	_ Changer  = (*LDAP)(nil)
	_ Password = (*Dummy)(nil)
)
