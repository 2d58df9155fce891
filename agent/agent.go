// Package agent runs the reasoning loop that turns a staff message into
// tool calls against hospital systems and a final response. The loop
// alternates inference and dispatch up to a fixed iteration cap, falls
// back to deterministic keyword routing when no model backend is up, and
// gates critical actions behind the confirmation broker.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/careops/wardgate/audit"
	"github.com/careops/wardgate/confirm"
	"github.com/careops/wardgate/core"
	"github.com/careops/wardgate/facts"
	"github.com/careops/wardgate/logging"
	"github.com/careops/wardgate/provider"
	"github.com/careops/wardgate/redact"
	"github.com/careops/wardgate/session"
	"github.com/careops/wardgate/tool"
)

const (
	defaultMaxIterations = 10
	defaultMaxParallel   = 4
	defaultContextWindow = 10
)

const iterationLimitMessage = "I've reached the maximum number of steps for this request. Please try a more specific query."

// keywordProviderName marks turns served without a model in the audit
// ledger, whether no provider was reachable or one failed mid-loop.
const keywordProviderName = "keyword_fallback"

// Deps are the collaborating components an Agent is wired from.
type Deps struct {
	Registry     *tool.Registry
	Dispatcher   *tool.Dispatcher
	Providers    *provider.Registry
	Sessions     *session.Store
	Consolidator *session.Consolidator
	Facts        *facts.Store
	Ledger       *audit.Ledger
	Broker       *confirm.Broker
}

// Options tune loop behavior.
type Options struct {
	// MaxIterations caps inference/dispatch rounds per request.
	MaxIterations int
	// MaxParallel bounds tool fan-out within one round.
	MaxParallel int
	// ContextWindow is the number of trailing raw messages sent to the
	// provider alongside the consolidated summary.
	ContextWindow int
	Logger        logging.Logger
}

// Agent orchestrates one conversational turn at a time per session.
type Agent struct {
	registry     *tool.Registry
	dispatcher   *tool.Dispatcher
	providers    *provider.Registry
	sessions     *session.Store
	consolidator *session.Consolidator
	facts        *facts.Store
	ledger       *audit.Ledger
	broker       *confirm.Broker

	maxIterations int
	maxParallel   int
	contextWindow int
	logger        logging.Logger
}

// New wires an Agent from its dependencies.
func New(deps Deps, optFns ...func(o *Options)) *Agent {
	opts := Options{
		MaxIterations: defaultMaxIterations,
		MaxParallel:   defaultMaxParallel,
		ContextWindow: defaultContextWindow,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Agent{
		registry:      deps.Registry,
		dispatcher:    deps.Dispatcher,
		providers:     deps.Providers,
		sessions:      deps.Sessions,
		consolidator:  deps.Consolidator,
		facts:         deps.Facts,
		ledger:        deps.Ledger,
		broker:        deps.Broker,
		maxIterations: opts.MaxIterations,
		maxParallel:   opts.MaxParallel,
		contextWindow: opts.ContextWindow,
		logger:        logging.OrNoOp(opts.Logger),
	}
}

// Request is one inbound staff message.
type Request struct {
	TenantID  string
	SessionID string
	UserID    string
	Channel   string
	Message   string
	// Provider optionally names the backend to reason with. Empty means
	// the configured default.
	Provider string
}

// Result is the synchronous response to a Request.
type Result struct {
	SessionID string `json:"session_id"`
	Text      string `json:"response"`
}

// sessionState carries per-request loop state: the locked session and,
// for untrusted providers, the redaction mapping accumulated so far.
type sessionState struct {
	*session.Session
	mapping redact.Mapping
}

// emitFunc delivers a stream event. The sync path uses nopEmit.
type emitFunc func(core.StreamEvent)

func nopEmit(core.StreamEvent) {}

// Chat processes one message and returns the final response text. The
// session lock is held for the whole turn, so messages within one
// session are strictly ordered.
func (a *Agent) Chat(ctx context.Context, req Request) (*Result, error) {
	return a.run(ctx, req, nopEmit)
}

func (a *Agent) run(ctx context.Context, req Request, emit emitFunc) (*Result, error) {
	if req.TenantID == "" {
		return nil, errors.New("agent: tenant id is required")
	}
	if req.Message == "" {
		return nil, errors.New("agent: message is empty")
	}

	sess, release, err := a.sessions.Acquire(req.TenantID, req.SessionID, req.UserID, req.Channel)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	if err := a.sessions.Append(sess, core.RoleUser, req.Message); err != nil {
		return nil, err
	}

	prov, err := a.providers.Pick(ctx, req.Provider)
	if err != nil && !errors.Is(err, provider.ErrNoProvider) {
		return nil, err
	}

	state := &sessionState{Session: sess}

	var text, providerName, modelID string
	if prov == nil {
		text = a.runWithKeywords(ctx, state, req.Message, emit)
		providerName = keywordProviderName
	} else {
		if cerr := a.consolidator.Maybe(ctx, sess, providerSummarizer{p: prov}); cerr != nil {
			a.logger.Warn("consolidation deferred", "session_id", sess.ID, "error", cerr)
		}
		var fellBack bool
		text, fellBack = a.runWithProvider(ctx, state, prov, req.Message, emit)
		if fellBack {
			providerName = keywordProviderName
		} else {
			providerName = prov.Name()
			modelID = prov.ModelID()
		}
	}

	a.ledger.Append(ctx, audit.Entry{
		TenantID:  sess.TenantID,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Channel:   sess.Channel,
		Action:    audit.ActionChatResponse,
		Provider:  providerName,
		Model:     modelID,
		LatencyMS: time.Since(start).Milliseconds(),
	})

	if err := a.sessions.Append(sess, core.RoleAssistant, text); err != nil {
		return nil, err
	}
	return &Result{SessionID: sess.ID, Text: text}, nil
}

// runWithProvider is the inference-driven loop. Each round either yields
// tool calls, which are dispatched and fed back as tool results, or a
// final text response. The second return value reports whether the turn
// was served by the keyword path after a provider failure, so the audit
// record marks it as degraded instead of attributing it to the model.
func (a *Agent) runWithProvider(ctx context.Context, state *sessionState, prov provider.Provider, userMessage string, emit emitFunc) (string, bool) {
	system := a.buildSystemPrompt(ctx, state.Session)
	convo := state.Context(a.contextWindow)

	if !prov.Trusted() {
		state.mapping = redact.Mapping{}
		system = redact.RedactWith(system, state.mapping)
		for i := range convo {
			convo[i].Content = redact.RedactWith(convo[i].Content, state.mapping)
		}
	}

	specs := a.toolSpecs()

	for iter := 0; iter < a.maxIterations; iter++ {
		reply, err := prov.Chat(ctx, provider.ChatRequest{System: system, Messages: convo, Tools: specs})
		if err != nil {
			a.logger.Warn("provider call failed, using keyword fallback", "provider", prov.Name(), "error", err)
			return a.runWithKeywords(ctx, state, userMessage, emit), true
		}

		text := reply.Text
		if state.mapping != nil {
			text = redact.Restore(text, state.mapping)
		}

		calls := reply.ToolCalls
		if state.mapping != nil {
			for i := range calls {
				calls[i].Params = restoreParams(calls[i].Params, state.mapping)
			}
		}
		if len(calls) == 0 {
			if name, params, ok := parseTextToolCall(text); ok {
				calls = []core.ToolCall{{ID: core.NewID(), Name: name, Params: params}}
			}
		}

		if len(calls) == 0 {
			return text, false
		}

		for _, call := range calls {
			if pid, ok := call.Params["patient_id"].(string); ok && pid != "" {
				state.TrackPatient(pid)
			}
		}

		outcomes := a.runCalls(ctx, state, calls, emit)

		echo := text
		if echo == "" {
			echo = describeCalls(calls)
		}
		if state.mapping != nil {
			echo = redact.RedactWith(echo, state.mapping)
		}
		convo = append(convo, core.NewMessage(core.RoleAssistant, echo))

		for _, out := range outcomes {
			pretty, _ := json.MarshalIndent(out.result, "", "  ")
			toolMsg := fmt.Sprintf("Tool result for %s:\n%s", out.call.Name, pretty)
			if state.mapping != nil {
				toolMsg = redact.RedactWith(toolMsg, state.mapping)
			}
			convo = append(convo, core.NewMessage(core.RoleTool, toolMsg))
		}
	}

	a.ledger.Append(ctx, audit.Entry{
		TenantID:  state.TenantID,
		SessionID: state.ID,
		UserID:    state.UserID,
		Channel:   state.Channel,
		Action:    audit.ActionIterationLimit,
		Provider:  prov.Name(),
		Model:     prov.ModelID(),
	})
	return iterationLimitMessage, false
}

// runWithKeywords routes the message through the deterministic intent
// table. Used when no provider is reachable, and as the landing path
// when a provider fails mid-loop.
func (a *Agent) runWithKeywords(ctx context.Context, state *sessionState, userMessage string, emit emitFunc) string {
	name, params, ok := detectIntent(userMessage)
	if !ok {
		return "I couldn't determine what you're looking for. " +
			"Try asking about vitals, medications, allergies, lab results, " +
			"ward patients, blood availability, or inventory."
	}

	if pid, okp := params["patient_id"].(string); okp && pid != "" {
		state.TrackPatient(pid)
	}

	result := a.safeCallTool(ctx, state, core.ToolCall{ID: core.NewID(), Name: name, Params: params}, emit)

	if errMsg, oke := result["error"].(string); oke {
		return fmt.Sprintf("Error from %s: %s", name, errMsg)
	}
	if status, oks := result["status"].(string); oks && status == "awaiting_confirmation" {
		return fmt.Sprintf("This is a critical action (%s) that requires confirmation.\nConfirmation ID: %v\n%v",
			name, result["confirmation_id"], result["message"])
	}
	pretty, _ := json.MarshalIndent(result, "", "  ")
	return fmt.Sprintf("**%s** result:\n```json\n%s\n```", name, pretty)
}

// callTool validates and dispatches a single tool call, applying the
// confirmation gate, the post-dispatch hooks and degraded-mode fallback.
// It always returns a result map; failures are tool-level, never
// loop-level.
func (a *Agent) callTool(ctx context.Context, state *sessionState, call core.ToolCall, emit emitFunc) map[string]any {
	def, err := a.registry.Lookup(call.Name)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("Unknown tool: %s", call.Name)}
	}
	if err := def.Validate(call.Params); err != nil {
		return map[string]any{"error": fmt.Sprintf("Invalid parameters: %s", err)}
	}

	if def.GatewayLevel() {
		return a.escalate(ctx, state, call.Params)
	}

	if def.Critical {
		pending := a.broker.Issue(call.Name, call.Params, state.TenantID, state.ID, state.UserID, state.Channel)
		a.ledger.Append(ctx, audit.Entry{
			TenantID:       state.TenantID,
			SessionID:      state.ID,
			UserID:         state.UserID,
			Channel:        state.Channel,
			Action:         audit.ActionCriticalGated,
			ToolName:       call.Name,
			Params:         call.Params,
			ConfirmationID: pending.ID,
		})
		return map[string]any{
			"status":          "awaiting_confirmation",
			"confirmation_id": pending.ID,
			"message":         fmt.Sprintf("Critical action '%s' requires confirmation. POST /confirm/%s to execute.", call.Name, pending.ID),
		}
	}

	emit(core.ToolCallEvent(call.Name))
	result := a.dispatch(ctx, state, def, call.Params)
	emit(core.ToolResultEvent(call.Name, result))
	return result
}

// dispatch runs the backend call plus hooks. On failure it records the
// failure and falls back to the most recent stored fact for the tool's
// fact type, flagged with its age.
func (a *Agent) dispatch(ctx context.Context, state *sessionState, def tool.Definition, params map[string]any) map[string]any {
	result, err := a.dispatcher.Dispatch(ctx, def, params)
	if err == nil {
		a.postDispatch(ctx, state, def.Name, params, result)
		return result
	}

	safeErr, _ := redact.Redact(err.Error())
	a.ledger.Append(ctx, audit.Entry{
		TenantID:      state.TenantID,
		SessionID:     state.ID,
		UserID:        state.UserID,
		Channel:       state.Channel,
		Action:        audit.ActionToolFailure,
		ToolName:      def.Name,
		Params:        params,
		ResultSummary: safeErr,
	})

	if fallback := a.degraded(ctx, state, def.Name, params); fallback != nil {
		return fallback
	}
	return map[string]any{"error": fmt.Sprintf("Backend unreachable: %s", safeErr)}
}

// degraded serves the last stored fact matching the failed tool, or nil
// when no fact applies.
func (a *Agent) degraded(ctx context.Context, state *sessionState, toolName string, params map[string]any) map[string]any {
	factType, ok := facts.FactTypeFor(toolName)
	if !ok {
		return nil
	}
	patientID, _ := params["patient_id"].(string)
	if patientID == "" {
		return nil
	}
	fact, err := a.facts.Latest(ctx, state.TenantID, patientID, factType)
	if err != nil || fact == nil {
		return nil
	}

	age := fact.Age(time.Now())
	a.ledger.Append(ctx, audit.Entry{
		TenantID:      state.TenantID,
		SessionID:     state.ID,
		UserID:        state.UserID,
		Channel:       state.Channel,
		Action:        audit.ActionDegradedMode,
		ToolName:      toolName,
		Params:        params,
		ResultSummary: fmt.Sprintf("served stored %s fact aged %s", factType, age.Round(time.Second)),
	})
	return map[string]any{
		"degraded":    true,
		"fact_type":   factType,
		"data":        fact.Data,
		"recorded_at": fact.RecordedAt.Format(time.RFC3339),
		"age_seconds": int64(age.Seconds()),
		"warning":     fmt.Sprintf("Live %s lookup failed. Showing stored data recorded %s ago.", toolName, age.Round(time.Second)),
	}
}

// postDispatch extracts clinical facts and writes the audit record for a
// successful call. The fact write lands before this returns, so the next
// inference round already sees it.
func (a *Agent) postDispatch(ctx context.Context, state *sessionState, toolName string, params map[string]any, result map[string]any) {
	patientID, _ := params["patient_id"].(string)
	if n, err := a.facts.ExtractAndRecord(ctx, toolName, result, state.TenantID, state.ID, patientID); err != nil {
		a.logger.Warn("fact extraction failed", "tool", toolName, "error", err)
	} else if n > 0 {
		a.logger.Debug("recorded clinical facts", "tool", toolName, "count", n)
	}

	summary, _ := redact.Redact(audit.Summarize(result))
	a.ledger.Append(ctx, audit.Entry{
		TenantID:      state.TenantID,
		SessionID:     state.ID,
		UserID:        state.UserID,
		Channel:       state.Channel,
		Action:        audit.ActionToolCall,
		ToolName:      toolName,
		Params:        params,
		ResultSummary: summary,
	})
}

// escalate records a human hand-off in the ledger and escalation table.
func (a *Agent) escalate(ctx context.Context, state *sessionState, params map[string]any) map[string]any {
	patientID := stringParam(params, "patient_id", "unknown")
	reason := stringParam(params, "reason", "")
	escalateTo := stringParam(params, "escalate_to", "on_call_physician")

	auditID := a.ledger.Append(ctx, audit.Entry{
		TenantID:      state.TenantID,
		SessionID:     state.ID,
		UserID:        state.UserID,
		Channel:       state.Channel,
		Action:        audit.ActionEscalate,
		ToolName:      "escalate",
		Params:        params,
		ResultSummary: fmt.Sprintf("Escalated to %s for patient %s", escalateTo, patientID),
	})

	escID, err := a.ledger.AppendEscalation(ctx, state.TenantID, auditID, escalateTo, reason)
	if err != nil {
		a.logger.Error("escalation record failed", "error", err)
		return map[string]any{"error": "Failed to record escalation"}
	}
	return map[string]any{
		"status":        "escalated",
		"escalation_id": escID,
		"escalated_to":  escalateTo,
		"message":       fmt.Sprintf("Escalation logged. %s has been notified regarding patient %s.", escalateTo, patientID),
	}
}

// Confirm executes a previously gated critical action. The broker
// guarantees exactly one execution per confirmation id.
func (a *Agent) Confirm(ctx context.Context, tenantID, confirmationID string) (map[string]any, error) {
	pending, err := a.broker.Resolve(tenantID, confirmationID)
	if err != nil {
		return nil, err
	}

	def, err := a.registry.Lookup(pending.Tool)
	if err != nil {
		return nil, err
	}

	result, derr := a.dispatcher.Dispatch(ctx, def, pending.Params)
	summary := ""
	if derr != nil {
		safeErr, _ := redact.Redact(derr.Error())
		summary = "dispatch failed: " + safeErr
		result = map[string]any{"error": fmt.Sprintf("Backend unreachable: %s", safeErr)}
	} else {
		summary, _ = redact.Redact(audit.Summarize(result))
		patientID, _ := pending.Params["patient_id"].(string)
		if _, ferr := a.facts.ExtractAndRecord(ctx, pending.Tool, result, pending.TenantID, pending.SessionID, patientID); ferr != nil {
			a.logger.Warn("fact extraction failed", "tool", pending.Tool, "error", ferr)
		}
	}

	a.ledger.Append(ctx, audit.Entry{
		TenantID:       pending.TenantID,
		SessionID:      pending.SessionID,
		UserID:         pending.UserID,
		Channel:        pending.Channel,
		Action:         audit.ActionCriticalConfirmed,
		ToolName:       pending.Tool,
		Params:         pending.Params,
		ResultSummary:  summary,
		ConfirmationID: pending.ID,
	})
	return result, nil
}

// describeCalls renders tool calls as text for the conversation echo
// when the model produced no accompanying prose.
func describeCalls(calls []core.ToolCall) string {
	var b strings.Builder
	for i, call := range calls {
		if i > 0 {
			b.WriteString("\n")
		}
		args, _ := json.Marshal(call.Params)
		fmt.Fprintf(&b, `{"tool": %q, "params": %s}`, call.Name, args)
	}
	return b.String()
}

var (
	jsonBlockRe  = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	inlineToolRe = regexp.MustCompile(`(?s)(\{"tool":\s*"[^"]+?".*?\})`)
)

// parseTextToolCall extracts a tool call a model emitted as JSON text
// instead of a native tool call. Local models behind OpenAI-compatible
// endpoints still do this.
func parseTextToolCall(content string) (string, map[string]any, bool) {
	for _, re := range []*regexp.Regexp{jsonBlockRe, inlineToolRe} {
		match := re.FindStringSubmatch(content)
		if match == nil {
			continue
		}
		var data struct {
			Tool   string         `json:"tool"`
			Params map[string]any `json:"params"`
		}
		if err := json.Unmarshal([]byte(match[1]), &data); err != nil || data.Tool == "" {
			continue
		}
		if data.Params == nil {
			data.Params = map[string]any{}
		}
		return data.Tool, data.Params, true
	}
	return "", nil, false
}

// restoreParams maps redaction tokens in string arguments back to the
// original identifiers before dispatch.
func restoreParams(params map[string]any, mapping redact.Mapping) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			out[k] = redact.Restore(s, mapping)
		} else {
			out[k] = v
		}
	}
	return out
}

func stringParam(params map[string]any, key, fallback string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
