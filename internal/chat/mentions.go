package chat

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	mentionPattern  = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,32}$`)
)

// ExtractMentions scans content for @name tokens and unions them with the
// client-supplied list. Duplicates are dropped ignoring case, keeping the first
// spelling seen. The result is never nil.
func ExtractMentions(content string, supplied []string) []string {
	out := []string{}
	seen := map[string]bool{}
	add := func(name string) {
		name = strings.TrimPrefix(strings.TrimSpace(name), "@")
		if name == "" {
			return
		}
		key := strings.ToLower(name)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, name)
	}

	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	for _, name := range supplied {
		if usernamePattern.MatchString(strings.TrimPrefix(strings.TrimSpace(name), "@")) {
			add(name)
		}
	}
	return out
}

// NormalizeUsername trims name and checks it against the username rules.
func NormalizeUsername(name string) (string, error) {
	name = strings.TrimSpace(name)
	if !usernamePattern.MatchString(name) {
		return "", ErrInvalidUsername
	}
	return name, nil
}

func encodeMentions(mentions []string) []byte {
	if len(mentions) == 0 {
		return nil
	}
	b, err := json.Marshal(mentions)
	if err != nil {
		return nil
	}
	return b
}

func decodeMentions(raw []byte) []string {
	out := []string{}
	if len(raw) == 0 {
		return out
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return out
	}
	return append(out, names...)
}
