package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/thebtf/substrate/pkg/models"
)

// maxSceneContext bounds how much of the reply seeds a scene prompt.
const maxSceneContext = 280

// SystemPrompt renders the character and the episode setup into a system message.
func SystemPrompt(c *models.Character, e *models.Episode) string {
	var b strings.Builder
	if c.SystemPrompt != "" {
		b.WriteString(strings.TrimSpace(c.SystemPrompt))
	} else {
		b.WriteString("You are " + c.Name + ". Stay in character and never mention being an AI.")
	}
	section := func(label, body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		b.WriteString("\n\n")
		b.WriteString(label)
		b.WriteString(":\n")
		b.WriteString(body)
	}
	section("Personality", c.Personality)
	section("Backstory", c.Backstory)
	if e != nil {
		section("Situation", e.Situation)
		section("Dramatic question", e.DramaticQuestion)
	}
	return b.String()
}

// ScenePrompt describes the current moment for the image service.
func ScenePrompt(c *models.Character, e *models.Episode, reply string) string {
	var parts []string
	add := func(p string) {
		// the join supplies the period
		if p = strings.TrimRight(strings.TrimSpace(p), ". "); p != "" {
			parts = append(parts, p)
		}
	}
	add(c.Name)
	add(c.Archetype)
	if e != nil {
		add(e.Situation)
	}
	add(clip(strings.Join(strings.Fields(reply), " "), maxSceneContext))
	return strings.Join(parts, ". ")
}

// clip cuts s to at most n bytes, preferring the last word break and never
// splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	s = s[:n]
	if i := strings.LastIndexByte(s, ' '); i > 0 {
		s = s[:i]
	}
	return s
}
