// Package id mints backend session names.
//
// A session name is "sess_" followed by a lowercase ULID. Names sort in
// creation order, so a reset session always sorts after the one it
// replaced, and the Crockford alphabet never needs escaping in a URL path.
package id

import (
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionPrefix starts every session name.
const SessionPrefix = "sess_"

// SessionName identifies one backend session. A new name is minted on every
// create and every reset, so results tagged with an old name are detectable.
type SessionName string

func (n SessionName) String() string { return string(n) }

// Created returns when the name was minted.
func (n SessionName) Created() (time.Time, error) {
	u, err := parse(string(n))
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}

// Valid reports whether n has the session name shape.
func (n SessionName) Valid() bool {
	_, err := parse(string(n))
	return err == nil
}

func parse(name string) (ulid.ULID, error) {
	rest, ok := strings.CutPrefix(name, SessionPrefix)
	if !ok {
		return ulid.ULID{}, ulid.ErrDataSize
	}
	return ulid.ParseStrict(strings.ToUpper(rest))
}

// Generator mints names from monotonic entropy, so two names minted in the
// same millisecond still sort in creation order.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewGenerator creates a generator. Nil arguments take crypto/rand backed
// monotonic entropy and the wall clock.
func NewGenerator(entropy io.Reader, now func() time.Time) *Generator {
	if entropy == nil {
		entropy = ulid.Monotonic(rand.Reader, 0)
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{entropy: entropy, now: now}
}

// Next mints a session name.
func (g *Generator) Next() SessionName {
	g.mu.Lock()
	u := ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
	g.mu.Unlock()
	return SessionName(SessionPrefix + strings.ToLower(u.String()))
}

var (
	defaultGen  *Generator
	defaultOnce sync.Once
)

// NewSessionName mints a name from the process-wide generator.
func NewSessionName() SessionName {
	defaultOnce.Do(func() { defaultGen = NewGenerator(nil, nil) })
	return defaultGen.Next()
}
