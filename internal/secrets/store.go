// Package secrets provides the process-scoped secret store consulted by the
// interpolation resolver. Secrets flow one way: from the store into outbound
// request templates. The store is never enumerable and callers cannot read
// it back through any API surface.
package secrets

import "os"

// Store looks up secret values by key. Implementations must not expose a way
// to list keys.
type Store interface {
	Get(key string) (string, bool)
}

// EnvStore resolves secrets from process environment variables, optionally
// behind a key prefix so that only intentionally exposed variables are
// reachable from action templates.
type EnvStore struct {
	prefix string
}

// NewEnvStore creates an environment-backed secret store. With a non-empty
// prefix, a lookup for "slack_token" reads "{prefix}SLACK_TOKEN".
func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{prefix: prefix}
}

// Get implements Store
func (s *EnvStore) Get(key string) (string, bool) {
	return os.LookupEnv(s.prefix + normalize(key))
}

func normalize(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - 'a' + 'A'
		case c == '-' || c == '.':
			out[i] = '_'
		default:
			out[i] = c
		}
	}
	return string(out)
}

// StaticStore is a fixed-map secret store for tests
type StaticStore map[string]string

// Get implements Store
func (s StaticStore) Get(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}
