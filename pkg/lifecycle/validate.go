package lifecycle

import "github.com/zeroclaw/zeroclaw/internal/registry"

const maxNameLen = 64

// ValidateName enforces the instance name grammar (spec §4.C): 1-64
// characters, first character ASCII alphanumeric, remaining characters
// ASCII alphanumeric or hyphen.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > maxNameLen {
		return registry.NewError(registry.KindBadRequest, "name must be 1-64 characters")
	}
	if !isAlphanumeric(name[0]) {
		return registry.NewError(registry.KindBadRequest, "name must start with a letter or digit")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isAlphanumeric(c) && c != '-' {
			return registry.NewError(registry.KindBadRequest, "name may only contain letters, digits, and hyphens")
		}
	}
	return nil
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
