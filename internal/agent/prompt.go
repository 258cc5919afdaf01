package agent

import (
	"fmt"
	"strings"

	"github.com/ashureev/clusterchat/internal/confirm"
	"github.com/ashureev/clusterchat/internal/operation"
)

const basePrompt = `You're an expert cluster operations assistant. Provide accurate, factual information strictly about the cluster, its resources and the output of your operations.
Crucial guardrails:
- Strictly cluster-focused: if a request is not about the cluster or its resources, do not engage; state that you cannot assist with that topic.
- No external information or speculation: do not give personal opinions or information from outside the operation results.
- Mutation safety: for any operation marked as requiring confirmation you MUST ask for explicit confirmation using the exact phrase '` + "yes, <verb> <resource type> <resource name>" + `'. Do NOT proceed without this precise confirmation.
Be concise and clear, and prioritize safety.`

// SystemPrompt renders the instructions sent ahead of every consultation.
// Operations that need confirmation are listed with their phrase template.
func SystemPrompt(schemas []operation.Schema) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	var gated []string
	for _, s := range schemas {
		if s.Mutating {
			gated = append(gated, s.Name)
		}
	}
	if len(gated) > 0 {
		fmt.Fprintf(&b, "\nOperations requiring confirmation (phrase format v%d): %s.",
			confirm.PhraseFormatVersion, strings.Join(gated, ", "))
	}
	return b.String()
}
