package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/yodoca/yodoca"
)

// declarativeAgent is the adapter synthesized for manifests that declare an
// agent block without an entrypoint. It satisfies Extension and
// AgentProvider; each Invoke builds a fresh LLM agent from the current model
// binding, the resolved tool list, and the composed instructions.
type declarativeAgent struct {
	m            *yodoca.Manifest
	instructions string

	mu     sync.Mutex
	ec     yodoca.Context
	prompt string
}

var (
	_ yodoca.Extension     = (*declarativeAgent)(nil)
	_ yodoca.AgentProvider = (*declarativeAgent)(nil)
)

func newDeclarativeAgent(m *yodoca.Manifest, dir string) (*declarativeAgent, error) {
	instr, err := resolveInstructions(dir, m.Agent.Instructions)
	if err != nil {
		return nil, err
	}
	return &declarativeAgent{m: m, instructions: instr, prompt: instr}, nil
}

// resolveInstructions reads the instructions file when the value names one
// under the extension directory, and treats the value as inline text
// otherwise.
func resolveInstructions(dir, value string) (string, error) {
	candidate := filepath.Join(dir, strings.TrimSpace(value))
	fi, err := os.Stat(candidate)
	if err != nil || fi.IsDir() {
		return value, nil
	}
	data, err := os.ReadFile(candidate)
	if err != nil {
		return "", fmt.Errorf("instructions file %s: %w", candidate, err)
	}
	return string(data), nil
}

func (d *declarativeAgent) Initialize(ctx context.Context, ec yodoca.Context) error {
	d.mu.Lock()
	d.ec = ec
	d.mu.Unlock()
	return nil
}

func (d *declarativeAgent) Start(ctx context.Context) error { return nil }

func (d *declarativeAgent) Stop(ctx context.Context) error { return nil }

func (d *declarativeAgent) AgentDescriptor() yodoca.AgentDescriptor {
	return yodoca.AgentDescriptor{
		ID:              d.m.ID,
		Description:     d.m.Description,
		IntegrationMode: d.m.IntegrationMode(),
	}
}

// baseInstructions returns the file-or-inline instructions before skill
// composition.
func (d *declarativeAgent) baseInstructions() string { return d.instructions }

// setPrompt installs the final system prompt (instructions plus skills).
func (d *declarativeAgent) setPrompt(p string) {
	d.mu.Lock()
	d.prompt = p
	d.mu.Unlock()
}

// Invoke runs one request through the declared model. The caller's
// conversation summary is folded into the prompt; limits from the manifest
// bound iterations and wall time.
func (d *declarativeAgent) Invoke(ctx context.Context, prompt string, inv yodoca.AgentInvocation) (yodoca.AgentReply, error) {
	d.mu.Lock()
	ec := d.ec
	system := d.prompt
	d.mu.Unlock()
	if ec == nil {
		return yodoca.AgentReply{}, fmt.Errorf("agent %s not initialized", d.m.ID)
	}

	handle, err := ec.Models().Resolve(d.m.ID)
	if err != nil {
		return yodoca.AgentReply{}, fmt.Errorf("agent %s: %w", d.m.ID, err)
	}

	opts := []yodoca.AgentOption{
		yodoca.WithPrompt(system),
		yodoca.WithTools(ec.ResolvedTools()...),
		yodoca.WithLogger(ec.Logger()),
	}
	if p := handle.Params(); p != nil {
		opts = append(opts, yodoca.WithGenerationParams(p))
	}
	limits := d.m.Agent.Limits
	if limits.MaxTurns > 0 {
		opts = append(opts, yodoca.WithMaxIter(limits.MaxTurns))
	}
	agent := yodoca.NewAgent(d.m.ID, d.m.Description, handle.Provider(), opts...)

	if limits.TimeBudgetMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(limits.TimeBudgetMS)*time.Millisecond)
		defer cancel()
	}

	input := prompt
	if inv.ConversationSummary != "" {
		input = "Context from the caller:\n" + inv.ConversationSummary + "\n\n" + prompt
	}
	task := yodoca.AgentTask{Input: input}
	if inv.CorrelationID != "" {
		task.Context = map[string]any{yodoca.ContextCorrelationID: inv.CorrelationID}
	}

	result, err := agent.Execute(ctx, task)
	if err != nil {
		return yodoca.AgentReply{Status: yodoca.ReplyError, Content: err.Error()}, nil
	}
	return yodoca.AgentReply{Status: yodoca.ReplySuccess, Content: result.Output}, nil
}
