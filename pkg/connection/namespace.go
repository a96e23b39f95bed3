package connection

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// DefaultPrefix is the managed namespace prefix used when none is configured.
const DefaultPrefix = "guacscanner-"

// Key identifies a managed connection. It is derived from the owning
// instance id and is the first token of the stored connection name.
type Key string

// Namespace is the reserved prefix that separates connections owned by the
// scanner from operator-authored ones.
type Namespace struct {
	prefix string
}

// NewNamespace validates prefix and returns the corresponding namespace.
// Whitespace separates the key from the display name and is refused.
func NewNamespace(prefix string) (Namespace, error) {
	if prefix == "" {
		return Namespace{}, errors.New("namespace prefix must not be empty")
	}
	for _, r := range prefix {
		if unicode.IsSpace(r) {
			return Namespace{}, errors.Errorf("namespace prefix %q contains invalid character %q", prefix, r)
		}
	}
	return Namespace{prefix: prefix}, nil
}

// Prefix returns the raw prefix.
func (n Namespace) Prefix() string {
	return n.prefix
}

// Key derives the managed key for an instance.
func (n Namespace) Key(instanceID string) Key {
	return Key(n.prefix + instanceID)
}

// InstanceID decodes a managed key back to the instance id it was derived from.
func (n Namespace) InstanceID(k Key) (string, bool) {
	s := string(k)
	if !strings.HasPrefix(s, n.prefix) {
		return "", false
	}
	id := s[len(n.prefix):]
	if id == "" || strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return "", false
	}
	return id, true
}

// Name renders the connection name stored in the gateway. The display name,
// when present, follows the key in parentheses.
func (n Namespace) Name(k Key, displayName string) string {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return string(k)
	}
	return fmt.Sprintf("%s (%s)", k, displayName)
}

// Parse splits a stored connection name into key and display name. It
// returns false for names outside the namespace or names whose key does not
// decode to an instance id.
func (n Namespace) Parse(name string) (Key, string, bool) {
	if !strings.HasPrefix(name, n.prefix) {
		return "", "", false
	}
	token := name
	display := ""
	if i := strings.IndexFunc(name, unicode.IsSpace); i >= 0 {
		token = name[:i]
		rest := strings.TrimSpace(name[i:])
		if !strings.HasPrefix(rest, "(") || !strings.HasSuffix(rest, ")") {
			return "", "", false
		}
		display = rest[1 : len(rest)-1]
	}
	k := Key(token)
	if _, ok := n.InstanceID(k); !ok {
		return "", "", false
	}
	return k, display, true
}

// owns reports whether name is the stored name of the managed connection key.
func (n Namespace) owns(name string, key Key) bool {
	k, _, ok := n.Parse(name)
	return ok && k == key
}

// likePattern matches every name that starts with the prefix.
func (n Namespace) likePattern() string {
	return escapeLike(n.prefix) + "%"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
