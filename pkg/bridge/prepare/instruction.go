package prepare

import "strings"

// Sections are the instruction inputs in their fixed order.
type Sections struct {
	Base        string
	Personality string
	Home        string
	Live        string
}

// AssembleInstruction wraps each non-blank section in a named tag so the
// model can tell where the text came from.
func AssembleInstruction(s Sections) string {
	parts := []struct {
		tag  string
		text string
	}{
		{"base_instructions", s.Base},
		{"personality", s.Personality},
		{"home_context", s.Home},
		{"live_context", s.Live},
	}

	var b strings.Builder
	for _, part := range parts {
		text := strings.TrimSpace(part.text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("<" + part.tag + ">\n")
		b.WriteString(text)
		b.WriteString("\n</" + part.tag + ">")
	}
	return b.String()
}
