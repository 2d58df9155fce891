package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/careops/wardgate/core"
	"github.com/careops/wardgate/facts"
	"github.com/careops/wardgate/provider"
	"github.com/careops/wardgate/session"
)

const systemPrompt = `You are Hobot, a clinical AI assistant for hospital staff.
You have access to the following tools to query hospital systems.
When you need data, call a tool. Never fabricate clinical data.
Always cite which tool provided the data.
For critical actions (marked critical), the system will require human confirmation before execution.

Available tools:
%s

Respond concisely and professionally. Use structured formatting when presenting clinical data.`

// buildSystemPrompt lists every registered tool, flagging the ones that
// require human confirmation, and appends known facts for the patients
// already discussed in this session.
func (a *Agent) buildSystemPrompt(ctx context.Context, sess *session.Session) string {
	var b strings.Builder
	for _, def := range a.registry.List() {
		b.WriteString("- ")
		b.WriteString(def.Name)
		if def.Critical {
			b.WriteString(" [CRITICAL]")
		}
		b.WriteString("\n")
	}
	prompt := fmt.Sprintf(systemPrompt, strings.TrimRight(b.String(), "\n"))

	var clinical strings.Builder
	for _, pid := range sess.Patients() {
		known, err := a.facts.List(ctx, facts.Find{
			TenantID:  sess.TenantID,
			PatientID: pid,
			Limit:     10,
		})
		if err != nil {
			a.logger.Warn("fact lookup failed", "patient_id", pid, "error", err)
			continue
		}
		if len(known) == 0 {
			continue
		}
		fmt.Fprintf(&clinical, "\nKnown facts for %s:\n", pid)
		for _, f := range known {
			data, _ := json.Marshal(f.Data)
			fmt.Fprintf(&clinical, "  - [%s] %s\n", f.FactType, data)
		}
	}
	return prompt + clinical.String()
}

// toolSpecs exposes the registry to a provider's native tool calling.
func (a *Agent) toolSpecs() []provider.ToolSpec {
	defs := a.registry.List()
	specs := make([]provider.ToolSpec, len(defs))
	for i, def := range defs {
		desc := def.Name
		if def.Critical {
			desc += " (critical, requires human confirmation)"
		}
		specs[i] = provider.ToolSpec{
			Name:        def.Name,
			Description: desc,
			Parameters:  def.JSONSchema(),
		}
	}
	return specs
}

const consolidationPrompt = `Summarize this clinical conversation history concisely.
Preserve: patient IDs, diagnoses, key vitals, medications, pending actions, and clinical decisions.
If there is an existing summary, integrate new information into it.

Existing summary: %s

Messages to consolidate:
%s

Provide a concise clinical summary:`

// providerSummarizer adapts a chat provider to the consolidation hook.
type providerSummarizer struct {
	p provider.Provider
}

func (s providerSummarizer) Summarize(ctx context.Context, existing string, msgs []core.Message) (string, error) {
	if existing == "" {
		existing = "(none)"
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	prompt := fmt.Sprintf(consolidationPrompt, existing, b.String())

	reply, err := s.p.Chat(ctx, provider.ChatRequest{
		Messages: []core.Message{core.NewMessage(core.RoleUser, prompt)},
	})
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}
