package service

import (
	"strings"

	"github.com/chattax/chattax/internal/memory"
)

// systemPrompt is the base instruction set for answer generation. Citation
// markers are kept out of the prose: the sources list is returned separately
// and its order defines the [Source k] numbering.
const systemPrompt = `You are a professional tax advisor AI assistant specializing in Australian tax law and regulations from the Australian Taxation Office (ATO).
Your role is to provide accurate, clear, and helpful answers to Australian tax-related questions.

Guidelines:
1. Base your answers ONLY on the provided source passages from the ATO
2. All information pertains to AUSTRALIAN tax law, NOT U.S. or other countries
3. Do NOT include [Source X] citations, URLs, or links in your answer text
4. Write in a natural, conversational style without reference markers
5. If information is not in the sources, clearly state that
6. Include relevant dates, amounts, and limitations specific to the Australian tax system
7. Mention if professional consultation is recommended for complex cases
8. Use Australian terminology (e.g., "tax return" not "tax filing", "ATO" not "IRS")
9. Reference Australian financial years (e.g., 2023-24) when relevant`

// userTypeGuidance tailors the register per audience.
var userTypeGuidance = map[UserType]string{
	UserTypeIndividual:   "Use simple, practical language for personal Australian taxpayers.",
	UserTypeBusiness:     "Include business-specific considerations and Australian business regulations.",
	UserTypeProfessional: "Provide detailed technical information for Australian tax professionals.",
}

// buildSystemPrompt combines the base instructions with the audience
// guidance for the requested user type.
func buildSystemPrompt(userType UserType) string {
	guidance, ok := userTypeGuidance[userType]
	if !ok {
		guidance = userTypeGuidance[UserTypeIndividual]
	}
	return systemPrompt + "\n\nUser type: " + string(userType) + ". " + guidance
}

// buildAnswerPrompt assembles the generation prompt from optional
// conversation history, the citation-tagged context, and the question.
func buildAnswerPrompt(contextText, question string, history []memory.Message) string {
	var sb strings.Builder

	if len(history) > 0 {
		sb.WriteString("## Conversation History\n")
		sb.WriteString("(Previous exchanges in this session for context)\n\n")
		sb.WriteString(memory.FormatForPrompt(history))
		sb.WriteString("\n")
	}

	sb.WriteString("## Source Passages\n")
	sb.WriteString(contextText)
	sb.WriteString("\n\n")

	sb.WriteString("## Question\n")
	sb.WriteString(question)
	sb.WriteString("\n\n")

	sb.WriteString("## Answer\n")
	sb.WriteString("Based on the source passages above, provide a clear answer. ")
	sb.WriteString("Use short paragraphs and numbered steps where helpful. ")
	sb.WriteString("Do not include citation markers; the sources are listed separately.\n")

	return sb.String()
}
