// Package common holds the bootstrap-script templating shared by all cloud
// backends: placeholder substitution for the user-data script and cloud-init
// wrapping for backends that boot via cloud-init.
package common

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultUserDataTemplate is the bootstrap script template embedded into
// every instance. It downloads the runner release, registers the agent
// against the repository with the short-lived token, and starts it.
//
//go:embed user-script.sh.templ
var DefaultUserDataTemplate string

// Placeholders are "$name" or "${name}"; "$$" renders a literal "$".
var placeholderRe = regexp.MustCompile(`\$(\$|\{[A-Za-z_][A-Za-z0-9_]*\}|[A-Za-z_][A-Za-z0-9_]*)`)

// RenderUserData substitutes params into a user-data template. Every
// placeholder in the template must have a parameter and every parameter
// must be referenced; anything else is a template error. A partially
// substituted script is never returned.
func RenderUserData(tmpl string, params map[string]string) (string, error) {
	var missing []string
	used := make(map[string]bool, len(params))

	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1:]
		if name == "$" {
			return "$"
		}
		name = strings.Trim(name, "{}")
		val, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		used[name] = true
		return val
	})

	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("parsing user data template: missing parameters: %s", strings.Join(missing, ", "))
	}

	var unused []string
	for name := range params {
		if !used[name] {
			unused = append(unused, name)
		}
	}
	if len(unused) > 0 {
		sort.Strings(unused)
		return "", fmt.Errorf("parsing user data template: parameters without placeholders: %s", strings.Join(unused, ", "))
	}

	return out, nil
}
