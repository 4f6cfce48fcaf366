package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads a configuration from a YAML file, substituting ${VAR} and
// ${VAR:-default} references with environment values before parsing.
func Load(filePath string, config interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller and validated
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	content := substituteEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(content), config); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// Substituted values are not scanned again.
func substituteEnvVars(content string) string {
	var b strings.Builder
	b.Grow(len(content))

	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(expandVar(content[start+2 : end]))
		content = content[end+1:]
	}

	b.WriteString(content)
	return b.String()
}

func expandVar(expr string) string {
	name, def, hasDefault := strings.Cut(expr, ":-")
	if value, ok := os.LookupEnv(name); ok && value != "" {
		return value
	}
	if hasDefault {
		return def
	}
	return ""
}
