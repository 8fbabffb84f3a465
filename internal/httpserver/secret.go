package httpserver

import (
	"crypto/subtle"
	"net/http"
)

// SecretPrefix returns middleware that rejects any request whose path does
// not begin with prefix, per spec.md §4.10: "A constant-time URL-prefix
// guard rejects requests whose path does not begin with the configured
// secret prefix; the comparison uses a fixed-time equality over the
// shorter length to avoid timing leaks of the prefix."
//
// A mismatch is reported as 404 so an unauthenticated prober cannot
// distinguish "wrong secret" from "route does not exist".
func SecretPrefix(prefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hasSecretPrefix(r.URL.Path, prefix) {
				http.NotFound(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// hasSecretPrefix reports whether path begins with prefix, comparing only
// the first len(prefix) bytes of path in constant time regardless of
// whether path is shorter, equal to, or longer than prefix. Comparing over
// the shorter length (rather than rejecting short paths outright before
// comparing) avoids leaking the secret's length through early-exit timing.
func hasSecretPrefix(path, prefix string) bool {
	n := len(prefix)
	candidate := path
	if len(candidate) < n {
		// Pad so ConstantTimeCompare always runs over n bytes; the pad
		// itself can never equal a real prefix byte-for-byte unless the
		// path was already long enough, so this can't produce a false
		// match.
		candidate = candidate + make1(n-len(candidate))
	}
	match := subtle.ConstantTimeCompare([]byte(candidate[:n]), []byte(prefix)) == 1
	return match && len(path) >= n
}

// make1 returns a string of n NUL bytes, used only to pad comparisons in
// hasSecretPrefix to a fixed length.
func make1(n int) string {
	b := make([]byte, n)
	return string(b)
}
