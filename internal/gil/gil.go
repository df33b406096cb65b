// Package gil provides the serialization lock that stands in for a host
// interpreter's global lock. Holding a Token is proof that only one logical
// thread is touching shared state right now.
package gil

import "sync"

// Token is an opaque capability. Code that receives one may assume it runs
// alone; it must not keep the token past the call that handed it over.
type Token struct {
	l *Lock
}

// Lock hands out Tokens one holder at a time.
type Lock struct {
	mu sync.Mutex
}

// Acquire blocks until the lock is free and returns a token plus the func
// that gives it back.
func (l *Lock) Acquire() (Token, func()) {
	l.mu.Lock()
	return Token{l: l}, l.mu.Unlock
}

// Do runs fn while holding the lock.
func (l *Lock) Do(fn func(tok Token) error) error {
	tok, release := l.Acquire()
	defer release()
	return fn(tok)
}

// Assume returns a token without locking anything. Only for programs (and
// tests) that are single-threaded by construction.
func Assume() Token {
	return Token{}
}
