// Package answer turns a question and a set of retrieved code snippets into
// a model-written answer. The prompt is a fixed template compiled into an
// eino chain (chat template, then chat model) once per Generator.
package answer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/codeqa-go/internal/budget"
	"github.com/54b3r/codeqa-go/internal/logging"
	"github.com/54b3r/codeqa-go/internal/rag"
)

// Template is the prompt sent to the chat model. {snippets} and {question}
// are substituted on every call.
const Template = `You are an expert in answering questions about code.

Here are some relevant code snippets: {snippets}

Here is the question: {question}

Please provide a detailed answer based on the code snippets above. If the code snippets don't contain enough information to answer the question, please say so.`

// NoSnippets is rendered in place of the snippets when nothing was retrieved.
const NoSnippets = "(no relevant code snippets found)"

// Template variable names.
const (
	varSnippets = "snippets"
	varQuestion = "question"
)

// Config holds the optional settings for a Generator.
type Config struct {
	// MaxContextTokens caps the estimated prompt size. Zero selects
	// budget.DefaultMaxContextTokens; a negative value disables trimming.
	MaxContextTokens int
	// Logger receives debug records. Nil selects logging.Discard().
	Logger *slog.Logger
}

// Generator executes the answer prompt against a chat model.
type Generator struct {
	template         prompt.ChatTemplate
	runnable         compose.Runnable[map[string]any, *schema.Message]
	maxContextTokens int
	log              *slog.Logger
}

// NewGenerator compiles the prompt template and chatModel into a chain.
func NewGenerator(ctx context.Context, chatModel model.BaseChatModel, cfg *Config) (*Generator, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("answer: chat model must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}

	maxCtx := cfg.MaxContextTokens
	if maxCtx == 0 {
		maxCtx = budget.DefaultMaxContextTokens
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	tpl := prompt.FromMessages(schema.FString, schema.UserMessage(Template))
	chain := compose.NewChain[map[string]any, *schema.Message]().
		AppendChatTemplate(tpl).
		AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("answer: compile chain: %w", err)
	}

	return &Generator{template: tpl, runnable: runnable, maxContextTokens: maxCtx, log: log}, nil
}

// Generate returns the model's answer to question given docs, verbatim.
func (g *Generator) Generate(ctx context.Context, question string, docs []rag.Document) (string, error) {
	msg, err := g.runnable.Invoke(ctx, g.variables(ctx, question, docs))
	if err != nil {
		return "", fmt.Errorf("answer: generate: %w", err)
	}
	if msg == nil {
		return "", nil
	}
	return msg.Content, nil
}

// Stream writes the model's answer to w as chunks arrive and returns the
// full text once the stream ends.
func (g *Generator) Stream(ctx context.Context, question string, docs []rag.Document, w io.Writer) (string, error) {
	sr, err := g.runnable.Stream(ctx, g.variables(ctx, question, docs))
	if err != nil {
		return "", fmt.Errorf("answer: stream failed: %w", err)
	}
	defer sr.Close()

	var buf strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return buf.String(), fmt.Errorf("answer: stream receive error: %w", err)
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		buf.WriteString(msg.Content)
		if _, err := io.WriteString(w, msg.Content); err != nil {
			return buf.String(), fmt.Errorf("answer: write error: %w", err)
		}
	}
	return buf.String(), nil
}

// variables builds the template input, trimming snippets to the budget.
func (g *Generator) variables(ctx context.Context, question string, docs []rag.Document) map[string]any {
	rendered := make([]string, len(docs))
	for i, d := range docs {
		rendered[i] = FormatSnippet(d)
	}
	kept := budget.FitSnippets(g.fixedTokens(ctx, question), rendered, g.maxContextTokens)
	if len(kept) < len(rendered) {
		g.log.Debug("answer: snippets trimmed to budget",
			slog.Int("retrieved", len(rendered)),
			slog.Int("kept", len(kept)),
			slog.Int("max_tokens", g.maxContextTokens),
		)
	}
	return map[string]any{
		varSnippets: joinSnippets(kept),
		varQuestion: question,
	}
}

// fixedTokens estimates the prompt around the snippets by rendering the
// template with an empty snippet list.
func (g *Generator) fixedTokens(ctx context.Context, question string) int {
	msgs, err := g.template.Format(ctx, map[string]any{
		varSnippets: "",
		varQuestion: question,
	})
	if err != nil {
		g.log.Debug("answer: template estimate failed", slog.Any("error", err))
		return budget.Estimate(Template + question)
	}
	return budget.EstimateMessages(msgs)
}

// FormatSnippets renders docs in order as the {snippets} value.
func FormatSnippets(docs []rag.Document) string {
	rendered := make([]string, len(docs))
	for i, d := range docs {
		rendered[i] = FormatSnippet(d)
	}
	return joinSnippets(rendered)
}

// FormatSnippet renders one document as a heading with its path and type
// followed by the fenced content.
func FormatSnippet(d rag.Document) string {
	path := d.Metadata[rag.MetaFilePath]
	if path == "" {
		path = d.Source
	}
	fileType := d.Metadata[rag.MetaFileType]

	var sb strings.Builder
	sb.WriteString("### ")
	sb.WriteString(path)
	if fileType != "" {
		sb.WriteString(" (")
		sb.WriteString(fileType)
		sb.WriteString(")")
	}
	sb.WriteString("\n```\n")
	sb.WriteString(d.Content)
	if !strings.HasSuffix(d.Content, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString("```")
	return sb.String()
}

// joinSnippets places each rendered snippet on its own block below the
// template's lead-in line.
func joinSnippets(rendered []string) string {
	if len(rendered) == 0 {
		return NoSnippets
	}
	return "\n\n" + strings.Join(rendered, "\n\n")
}
