package funnel

import (
	"strings"
)

// render substitutes {{field}} placeholders with collected answers.
func render(text string, data map[string]any) string {
	if text == "" || len(data) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", toString(v))
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
