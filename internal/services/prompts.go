package services

import (
	"fmt"
	"strings"

	"aiops/internal/models"
)

// 各操作的提示词模板。措辞本身不做质量保证，只保证输出格式约定
// 与对应 handler 的解析逻辑一致。

func summarizePrompt(ticket *models.Ticket, messages []models.TicketMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a support assistant. Summarize the following support ticket conversation in a short paragraph.\n\n")
	fmt.Fprintf(&b, "Ticket: %s\n\nConversation:\n", ticket.Title)
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Content)
	}
	b.WriteString("\nRespond with the summary only, no preamble.")
	return b.String()
}

func tagsPrompt(ticket *models.Ticket, messages []models.TicketMessage, vocabulary []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a support assistant. Generate exactly 5 short tags for the following ticket.\n")
	if len(vocabulary) > 0 {
		fmt.Fprintf(&b, "Prefer reusing existing tags where they fit: %s\n", strings.Join(vocabulary, ", "))
	}
	fmt.Fprintf(&b, "\nTicket: %s\n\nConversation:\n", ticket.Title)
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Content)
	}
	b.WriteString("\nRespond with a single comma-separated list of lowercase tags and nothing else.")
	return b.String()
}

func prioritizePrompt(ticket *models.Ticket, messages []models.TicketMessage, rules []models.PriorityRule) string {
	var b strings.Builder
	b.WriteString("You are a support assistant. Read the full conversation and decide the ticket priority, " +
		"considering tone, urgency and escalation across the whole thread.\n\nPriority rules:\n")
	for _, r := range rules {
		fmt.Fprintf(&b, "- %s: %s\n", r.Priority, r.Description)
	}
	fmt.Fprintf(&b, "\nTicket: %s\n\nConversation (oldest first):\n", ticket.Title)
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Content)
	}
	b.WriteString("\nRespond in exactly two lines:\nREASONING: <one sentence>\nPRIORITY: <NONE|LOW|MEDIUM|HIGH|CRITICAL>")
	return b.String()
}

func assignTeamPrompt(ticket *models.Ticket, messages []models.TicketMessage, teams []models.Team) string {
	names := make([]string, 0, len(teams))
	for _, t := range teams {
		names = append(names, t.Name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are a support assistant. Pick the single best team to handle this ticket.\n\n")
	fmt.Fprintf(&b, "Teams: %s\n\nTicket: %s\n%s\n\nConversation:\n", strings.Join(names, ", "), ticket.Title, ticket.Description)
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Content)
	}
	b.WriteString("\nRespond with the team name only, exactly as listed.")
	return b.String()
}

func notePrompt(ticket *models.Ticket, messages []models.TicketMessage) string {
	var b strings.Builder
	b.WriteString("You are a support assistant. Draft a short customer-relationship note for internal use, " +
		"covering the customer's situation, sentiment and any follow-ups we owe them.\n\n")
	fmt.Fprintf(&b, "Ticket: %s\n\nConversation:\n", ticket.Title)
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Content)
	}
	b.WriteString("\nRespond with the note only.")
	return b.String()
}

func embeddingInput(ticket *models.Ticket, messages []models.TicketMessage) string {
	var b strings.Builder
	b.WriteString(ticket.Title)
	b.WriteString("\n")
	b.WriteString(ticket.Description)
	for _, m := range messages {
		b.WriteString("\n")
		b.WriteString(m.Content)
	}
	return b.String()
}
