package config

import "strings"

// envReplacer maps nested viper keys like "dialogue.history_length" to
// the REMDIS_DIALOGUE_HISTORY_LENGTH environment variable shape.
func envReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_")
}
