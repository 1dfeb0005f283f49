package translator

import (
	"fmt"
	"sort"
	"strings"
)

// BuildSystemPrompt describes the round-trip contract the model must honour:
// one numbered output line per numbered input line, same order, nothing
// merged or split. Glossary terms are appended in a stable order.
func BuildSystemPrompt(sourceLang, targetLang string, glossary map[string]string) string {
	if sourceLang == "" || sourceLang == "auto" {
		sourceLang = "the detected language"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are a professional subtitle translator. Translate the numbered subtitle lines from %s to %s.\n", sourceLang, targetLang))
	sb.WriteString("Rules:\n")
	sb.WriteString("- Return exactly one line per input line, numbered the same way (\"1. ...\").\n")
	sb.WriteString("- Keep the original order. Never merge, split, skip or add lines.\n")
	sb.WriteString("- Remove any formatting tags or markup; output plain text only.\n")
	sb.WriteString("- Only respond with the translated lines, nothing else.")

	if len(glossary) > 0 {
		terms := make([]string, 0, len(glossary))
		for src := range glossary {
			terms = append(terms, src)
		}
		sort.Strings(terms)
		sb.WriteString("\n\nTERMINOLOGY (use these exact translations):\n")
		for _, src := range terms {
			sb.WriteString(fmt.Sprintf("  %s → %s\n", src, glossary[src]))
		}
	}

	return sb.String()
}
