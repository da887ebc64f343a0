package textvap

import (
	"bufio"
	"strconv"
	"strings"
)

// parseReaction parses the model's response, expecting one line per
// label: "a: <intensity 1-9>", "b: <expression>", "c: <action>",
// "d: <concept>", in the regex label-prefix convention
// original_source/modules/text_vap.py's parse_and_update_state uses.
// Any missing or malformed label causes the whole response to be
// rejected — a half-parsed reaction is worse than none.
func parseReaction(text string) (*Reaction, bool) {
	var r Reaction
	seen := map[string]bool{}

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		label, value, ok := splitLabel(line)
		if !ok {
			continue
		}
		switch label {
		case "a":
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 1 || n > 9 {
				return nil, false
			}
			r.Intensity = n
			seen["a"] = true
		case "b":
			r.Expression = strings.TrimSpace(value)
			seen["b"] = true
		case "c":
			r.Action = strings.TrimSpace(value)
			seen["c"] = true
		case "d":
			r.Concept = strings.TrimSpace(value)
			seen["d"] = true
		}
	}

	if !seen["a"] || !seen["b"] || !seen["c"] || !seen["d"] {
		return nil, false
	}
	return &r, true
}

func splitLabel(line string) (label, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	label = strings.ToLower(strings.TrimSpace(line[:idx]))
	if len(label) != 1 {
		return "", "", false
	}
	return label, line[idx+1:], true
}
