package jira

import "strings"

// adfDocument wraps plain text in an ADF document, one paragraph per line.
// Empty lines become empty paragraphs so spacing survives.
func adfDocument(text string) map[string]any {
	lines := strings.Split(text, "\n")
	content := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		para := map[string]any{"type": "paragraph"}
		if line != "" {
			para["content"] = []map[string]any{
				{"type": "text", "text": line},
			}
		}
		content = append(content, para)
	}
	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": content,
	}
}

// extractADFText walks an ADF node tree collecting text, with newlines
// after paragraphs.
func extractADFText(node map[string]any) string {
	var sb strings.Builder

	if text, ok := node["text"].(string); ok {
		sb.WriteString(text)
	}

	if content, ok := node["content"].([]any); ok {
		for _, child := range content {
			childMap, ok := child.(map[string]any)
			if !ok {
				continue
			}
			sb.WriteString(extractADFText(childMap))
			if childMap["type"] == "paragraph" {
				sb.WriteString("\n")
			}
		}
	}

	return sb.String()
}
