package pipeline

import (
	"regexp"
	"strings"
)

// exprPattern matches ${{ <ns>.<name> }} tokens in YAML-sourced strings.
var exprPattern = regexp.MustCompile(`\$\{\{\s*([a-zA-Z_]+)\.([a-zA-Z0-9_\-]+)\s*\}\}`)

// SecretLookup resolves a secret name to its plaintext value at
// expression-resolution time. Returns false when the secret is unknown.
type SecretLookup func(name string) (string, bool)

// ResolveExpressions substitutes expression tokens throughout a
// YAML-sourced pipeline. Namespaces:
//
//	parameters.N → environment reference PARAM_<N>
//	secrets.N    → plaintext via the lookup
//	env.N        → pass-through environment reference
//
// Unknown namespaces leave the token intact. Resolution runs after file
// load and before execution; server-side pipeline values are never
// expression-resolved.
func ResolveExpressions(p *Pipeline, secrets SecretLookup) {
	resolve := func(s string) string { return resolveString(s, secrets) }

	resolveEnvMap(p.Env, resolve)
	for i := range p.Stages {
		stage := &p.Stages[i]
		for j := range stage.Steps {
			resolveStep(&stage.Steps[j], resolve)
		}
	}
	if p.Post != nil {
		for _, steps := range [][]Step{p.Post.Always, p.Post.OnSuccess, p.Post.OnFailure} {
			for j := range steps {
				resolveStep(&steps[j], resolve)
			}
		}
	}
}

func resolveStep(step *Step, resolve func(string) string) {
	step.Command = resolve(step.Command)
	step.Dir = resolve(step.Dir)
	resolveEnvMap(step.Env, resolve)
}

func resolveEnvMap(env map[string]string, resolve func(string) string) {
	for k, v := range env {
		env[k] = resolve(v)
	}
}

func resolveString(s string, secrets SecretLookup) string {
	if !strings.Contains(s, "${{") {
		return s
	}
	return exprPattern.ReplaceAllStringFunc(s, func(token string) string {
		groups := exprPattern.FindStringSubmatch(token)
		ns, name := groups[1], groups[2]
		switch ns {
		case "parameters":
			return "${PARAM_" + strings.ToUpper(name) + "}"
		case "secrets":
			if secrets != nil {
				if value, ok := secrets(name); ok {
					return value
				}
			}
			return token
		case "env":
			return "${" + name + "}"
		default:
			return token
		}
	})
}
