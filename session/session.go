// Copyright (c) 2026.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package session resolves the authenticated user of a request.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type (
	// Lookup returns the user id of the session carried by r, or ""
	// for anonymous requests.
	Lookup interface {
		UserID(r *http.Request) (string, error)
	}

	// LookupFunc adapts a function to Lookup.
	LookupFunc func(r *http.Request) (string, error)

	JWTOption func(l *JWTLookup)

	// JWTLookup reads HS256 bearer tokens from the Authorization
	// header. The user id is the token subject.
	JWTLookup struct {
		secret []byte
		issuer string
		now    func() time.Time
	}
)

var (
	_ Lookup = (*JWTLookup)(nil)
	_ Lookup = LookupFunc(nil)

	ErrEmptySecret  = errors.New("empty session secret")
	ErrInvalidToken = errors.New("invalid session token")
)

func (f LookupFunc) UserID(r *http.Request) (string, error) {
	return f(r)
}

// WithIssuer sets the issuer written by Issue and required by UserID.
func WithIssuer(iss string) JWTOption {
	return func(l *JWTLookup) {
		l.issuer = iss
	}
}

// WithClock overrides the time source, mostly for tests.
func WithClock(now func() time.Time) JWTOption {
	return func(l *JWTLookup) {
		l.now = now
	}
}

func NewJWTLookup(secret string, options ...JWTOption) (*JWTLookup, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	l := &JWTLookup{
		secret: []byte(secret),
		now:    time.Now,
	}

	for _, o := range options {
		o(l)
	}

	return l, nil
}

// UserID returns "" and no error when r carries no bearer token.
func (l *JWTLookup) UserID(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", nil
	}

	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(l.now),
		jwt.WithExpirationRequired(),
	}
	if l.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(l.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		strings.TrimSpace(token),
		claims,
		func(*jwt.Token) (any, error) { return l.secret, nil },
		parserOptions...,
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return claims.Subject, nil
}

// Issue signs a token for userID valid for ttl.
func (l *JWTLookup) Issue(userID string, ttl time.Duration) (string, error) {
	now := l.now()

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    l.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
	if err != nil {
		return "", fmt.Errorf("cannot sign session token: %w", err)
	}

	return token, nil
}
