package llmqueue

import (
	"fmt"
	"strings"
)

// concisenessInstruction is appended to the system prompt on retries. Most
// retryable failures are malformed or truncated JSON, which shorter output
// avoids.
const concisenessInstruction = "Be concise. Return only the requested JSON with no commentary, no markdown fences and no repeated fields."

// Prompts returns the system and user prompt for the request. Payloads that
// carry explicit prompts win; older callers that only set semantic fields
// get synthesised prompts.
func (r *Request) Prompts() (system, user string, err error) {
	if err := r.Validate(); err != nil {
		return "", "", err
	}
	switch r.Type {
	case TypeExtractFacts:
		return r.Facts.prompts()
	case TypeExtractFieldGroup:
		return r.FieldGroup.prompts()
	case TypeExtractEntities:
		return r.Entities.prompts()
	case TypeComplete:
		if r.Complete.UserPrompt == "" {
			return "", "", fmt.Errorf("complete request has no user prompt")
		}
		return r.Complete.SystemPrompt, r.Complete.UserPrompt, nil
	}
	return "", "", fmt.Errorf("unknown request type: %q", r.Type)
}

func (p *FactsPayload) prompts() (string, string, error) {
	if p.SystemPrompt != "" && p.UserPrompt != "" {
		return p.SystemPrompt, p.UserPrompt, nil
	}
	if p.Content == "" {
		return "", "", fmt.Errorf("facts request has neither prompts nor content")
	}

	var sb strings.Builder
	sb.WriteString("You extract factual statements from web content. ")
	sb.WriteString("Return a JSON object {\"facts\": [{\"fact_text\": string, \"category\": string, \"confidence\": number}]}. ")
	sb.WriteString("Each fact must be a single self-contained statement. Confidence is in [0,1].")
	if len(p.Categories) > 0 {
		sb.WriteString(" Allowed categories: ")
		sb.WriteString(strings.Join(p.Categories, ", "))
		sb.WriteString(".")
	}

	user := p.Content
	if p.SourceGroup != "" {
		user = fmt.Sprintf("Content about %s:\n\n%s", p.SourceGroup, p.Content)
	}
	return sb.String(), user, nil
}

func (p *FieldGroupPayload) prompts() (string, string, error) {
	if p.SystemPrompt != "" && p.UserPrompt != "" {
		return p.SystemPrompt, p.UserPrompt, nil
	}
	if p.Content == "" || p.GroupName == "" {
		return "", "", fmt.Errorf("field group request has neither prompts nor content")
	}

	var system string
	if p.IsEntityList {
		system = fmt.Sprintf(
			"You extract structured records from web content. Return a JSON object {%q: [records], \"confidence\": number} where each record is an object. Return an empty list when the content has no relevant records.",
			p.GroupName)
	} else {
		system = fmt.Sprintf(
			"You extract the %q field group from web content. Return a JSON object keyed by field name plus a \"confidence\" number in [0,1]. Omit fields the content does not support.",
			p.GroupName)
	}
	return system, p.Content, nil
}

func (p *EntitiesPayload) prompts() (string, string, error) {
	if p.SystemPrompt != "" && p.UserPrompt != "" {
		return p.SystemPrompt, p.UserPrompt, nil
	}
	if p.Content == "" {
		return "", "", fmt.Errorf("entities request has neither prompts nor content")
	}

	types := "product, feature, limit, price"
	if len(p.EntityTypes) > 0 {
		types = strings.Join(p.EntityTypes, ", ")
	}
	system := fmt.Sprintf(
		"You extract named entities from extracted facts. Entity types: %s. Return a JSON object {\"entities\": [{\"type\": string, \"value\": string}]}.",
		types)
	return system, p.Content, nil
}
