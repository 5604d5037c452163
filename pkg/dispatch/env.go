package dispatch

import (
	"strconv"
	"strings"
	"unicode"
)

// canonicalSecretEnv maps a provider to its canonical env variable
// names; unknown providers fall back to SECRET_<UPPER_SNAKE> of the
// secret name.
func canonicalSecretEnv(provider, secretName string) []string {
	switch strings.ToLower(provider) {
	case "github":
		return []string{"GH_TOKEN", "GITHUB_TOKEN"}
	case "codex":
		return []string{"CODEX_API_KEY"}
	case "opencode":
		return []string{"OPENCODE_API_KEY"}
	case "claude-code":
		return []string{"ANTHROPIC_API_KEY"}
	case "zai":
		return []string{"Z_AI_API_KEY"}
	default:
		return []string{"SECRET_" + upperSnake(secretName)}
	}
}

// upperSnake converts a name to UPPER_SNAKE, collapsing every
// non-alphanumeric rune to an underscore
func upperSnake(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// harnessEnv projects harness settings into HARNESS_* env entries
func harnessEnv(env map[string]string, model string, temperature float64, maxTokens int, additional map[string]string) {
	if model != "" {
		env["HARNESS_MODEL"] = model
	}
	if temperature > 0 {
		env["HARNESS_TEMPERATURE"] = strconv.FormatFloat(temperature, 'f', -1, 64)
	}
	if maxTokens > 0 {
		env["HARNESS_MAX_TOKENS"] = strconv.Itoa(maxTokens)
	}
	for key, value := range additional {
		env["HARNESS_"+upperSnake(key)] = value
	}
}
