package cache

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
)

const reservedTenantChars = ":*?[]"

// Key is the namespace of one cache entry
type Key struct {
	Prefix     string
	Tenant     string
	DataType   DataType
	Identifier string
}

// String returns <prefix>:<tenant>:<data_type>:<identifier>
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Prefix, k.Tenant, k.DataType, k.Identifier)
}

// ValidateTenant rejects tenants that would break key partitioning
func ValidateTenant(tenant string) error {
	if tenant == "" {
		return errors.NewValidationError("tenant id is required")
	}
	if strings.ContainsAny(tenant, reservedTenantChars) {
		return errors.NewValidationError(fmt.Sprintf("tenant id %q contains reserved characters", tenant))
	}
	return nil
}

func validateNamespace(tenant string, dt DataType) error {
	if err := ValidateTenant(tenant); err != nil {
		return err
	}
	if !dt.Valid() {
		return errors.NewValidationError(fmt.Sprintf("unknown cache data type %q", dt))
	}
	return nil
}

func (s *Service) key(tenant string, dt DataType, identifier string) (Key, error) {
	if err := validateNamespace(tenant, dt); err != nil {
		return Key{}, err
	}
	if identifier == "" {
		return Key{}, errors.NewValidationError("cache identifier is required")
	}
	return Key{Prefix: s.prefix, Tenant: tenant, DataType: dt, Identifier: identifier}, nil
}

// globToRegexp translates a Redis KEYS style pattern (* and ?) so the local
// fallback matches the same keys as the remote
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// remoteGlob escapes Redis character classes so only * and ? act as wildcards
func remoteGlob(pattern string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(pattern)
}
