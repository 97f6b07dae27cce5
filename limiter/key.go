package limiter

import (
	"strings"

	"github.com/toolink/admission/policy"
)

// KeyPrefix namespaces every bucket key.
const KeyPrefix = "rate_limit:"

// Identity is the caller an admission decision is made for. A user id takes
// precedence over the IP; RoleID only matters for authenticated callers.
type Identity struct {
	UserID string `json:"user_id,omitempty"`
	IP     string `json:"ip,omitempty"`
	RoleID string `json:"role_id,omitempty"`
}

// Authenticated reports whether the caller is a known user.
func (id Identity) Authenticated() bool {
	return id.UserID != ""
}

// String renders the identity the way it appears in bucket keys, e.g. "user:42".
func (id Identity) String() string {
	switch {
	case id.UserID != "":
		return "user:" + id.UserID
	case id.IP != "":
		return "ip:" + id.IP
	default:
		return ""
	}
}

// IdentityPrefix returns the prefix shared by all bucket keys of id.
func IdentityPrefix(id Identity) (string, error) {
	s := id.String()
	if s == "" {
		return "", ErrNoIdentity
	}
	return KeyPrefix + s + ":", nil
}

// BucketKey returns rate_limit:{user|ip}:{id}:endpoint:{type}.
func BucketKey(id Identity, endpoint policy.EndpointType) (string, error) {
	prefix, err := IdentityPrefix(id)
	if err != nil {
		return "", err
	}
	return prefix + "endpoint:" + string(endpoint), nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// matchPattern turns a literal prefix into a Redis glob pattern.
func matchPattern(prefix string) string {
	return globEscaper.Replace(prefix) + "*"
}
