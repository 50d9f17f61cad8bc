// Package session implements the interactive question and answer loop: read
// a directory, index it, then answer questions until the user types "exit"
// or input ends.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/54b3r/codeqa-go/internal/answer"
	"github.com/54b3r/codeqa-go/internal/ingestion"
	"github.com/54b3r/codeqa-go/internal/loader"
	"github.com/54b3r/codeqa-go/internal/logging"
	"github.com/54b3r/codeqa-go/internal/rag"
)

// User-facing text.
const (
	dirPrompt      = "\nEnter the path to your code repository or directory: "
	questionPrompt = "\nEnter your question about the code (or 'exit' to quit): "
	exitCommand    = "exit"
	answerHeader   = "--- Answer ---"
	bannerRule     = "------------------------------------------"
)

// bannerLines are printed between the rules once the answerer is ready.
var bannerLines = []string{
	"Code Repository Question & Answer System",
	"Ask questions about the code, and the system will find relevant code snippets",
	"and generate an answer based on those snippets.",
}

// State is a step of the loop.
type State int

const (
	AwaitingDirectory State = iota
	Indexing
	AwaitingQuestion
	Answering
	Terminated
)

func (s State) String() string {
	switch s {
	case AwaitingDirectory:
		return "awaiting_directory"
	case Indexing:
		return "indexing"
	case AwaitingQuestion:
		return "awaiting_question"
	case Answering:
		return "answering"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Loader walks a directory into documents.
type Loader interface {
	Load(ctx context.Context, root string) ([]rag.Document, error)
}

// Indexer replaces the stored index of a repository with docs.
// *ingestion.Pipeline satisfies it.
type Indexer interface {
	Reindex(ctx context.Context, repo string, docs []rag.Document, progress ingestion.Progress) error
}

// Answerer answers one question.
type Answerer interface {
	Answer(ctx context.Context, question string) (*answer.Result, error)
}

// Config wires a Session.
type Config struct {
	// In supplies the directory and questions, one per line.
	In io.Reader
	// Out receives prompts, status lines, and answers.
	Out io.Writer
	// Loader, Indexer and NewAnswerer are required.
	Loader  Loader
	Indexer Indexer
	// NewAnswerer builds the answerer for the indexed repository. It runs
	// after indexing so model setup failures surface only once data is in
	// place.
	NewAnswerer func(ctx context.Context, repo string) (Answerer, error)
	// ModelName is shown in the "Initializing" line.
	ModelName string
	// Dir, when set, skips the directory prompt.
	Dir string
	// Styler decorates the banner and answer header. Nil selects Plain.
	Styler Styler
	// Logger receives structured records. Nil selects logging.Discard().
	Logger *slog.Logger
}

// Session is one run of the interactive loop. It is not safe for concurrent use.
type Session struct {
	cfg   Config
	log   *slog.Logger
	style Styler
	lines <-chan string
	state State
}

// New validates cfg and returns a Session in AwaitingDirectory.
func New(cfg Config) (*Session, error) {
	if cfg.In == nil || cfg.Out == nil {
		return nil, fmt.Errorf("session: input and output must not be nil")
	}
	if cfg.Loader == nil || cfg.Indexer == nil || cfg.NewAnswerer == nil {
		return nil, fmt.Errorf("session: loader, indexer and answerer factory are required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	style := cfg.Styler
	if style == nil {
		style = Plain{}
	}
	return &Session{cfg: cfg, log: log, style: style, state: AwaitingDirectory}, nil
}

// State returns the state the session stopped in (or is currently in).
func (s *Session) State() State { return s.state }

// Run drives the loop to completion. Early exits for a missing directory or
// an empty one print a message and return nil. Loading, indexing, and
// answerer setup errors are returned. A failed question prints the error and
// the loop continues.
func (s *Session) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer func() {
		close(done)
		s.state = Terminated
	}()
	s.lines = readLines(s.cfg.In, done)

	dir := strings.TrimSpace(s.cfg.Dir)
	if dir == "" {
		s.printf("%s", dirPrompt)
		line, ok := s.next(ctx)
		if !ok {
			return nil
		}
		dir = strings.TrimSpace(line)
	}
	if !isDir(dir) {
		s.printf("%s\n", s.style.Error(fmt.Sprintf("Error: Directory '%s' does not exist.", dir)))
		s.log.Info("session: directory not found", slog.String("dir", dir))
		return nil
	}

	repo, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("session: resolve %s: %w", dir, err)
	}

	s.state = Indexing
	s.printf("\nLoading and embedding code files from %s...\n", dir)
	docs, err := s.cfg.Loader.Load(ctx, dir)
	if err != nil {
		return fmt.Errorf("session: load %s: %w", dir, err)
	}
	if len(docs) == 0 {
		s.printf("No code files found in the specified directory.\n")
		return nil
	}
	s.printf("Found %d code files.\n", loader.CountFiles(docs))

	err = s.cfg.Indexer.Reindex(ctx, repo, docs, func(n, total int) {
		s.log.Debug("session: ingest progress", slog.Int("done", n), slog.Int("total", total))
	})
	if err != nil {
		return fmt.Errorf("session: index %s: %w", dir, err)
	}

	s.printf("Initializing %s model...\n", s.cfg.ModelName)
	answerer, err := s.cfg.NewAnswerer(ctx, repo)
	if err != nil {
		return fmt.Errorf("session: initialize answerer: %w", err)
	}

	s.printBanner()
	s.state = AwaitingQuestion
	for {
		s.printf("%s", questionPrompt)
		line, ok := s.next(ctx)
		if !ok {
			return nil
		}
		question := strings.TrimSpace(line)
		if strings.EqualFold(question, exitCommand) {
			return nil
		}
		if question == "" {
			continue
		}

		s.state = Answering
		s.ask(ctx, answerer, question)
		if ctx.Err() != nil {
			return nil
		}
		s.state = AwaitingQuestion
	}
}

// ask runs one retrieve and generate cycle and prints the outcome.
func (s *Session) ask(ctx context.Context, answerer Answerer, question string) {
	s.printf("\nFinding relevant code snippets and generating answer...\n")
	res, err := answerer.Answer(ctx, question)
	if err != nil {
		s.log.Error("session: question failed", slog.Any("error", err))
		s.printf("%s\n", s.style.Error("Error: "+err.Error()))
		return
	}
	s.printf("\n%s\n%s\n", s.style.Header(answerHeader), res.Text)
}

// printBanner prints the welcome banner, styling each line separately so
// the layout is unchanged in colour mode.
func (s *Session) printBanner() {
	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(s.style.Banner(bannerRule))
	sb.WriteString("\n")
	for _, l := range bannerLines {
		sb.WriteString(s.style.Banner(l))
		sb.WriteString("\n")
	}
	sb.WriteString(s.style.Banner(bannerRule))
	sb.WriteString("\n\n")
	s.printf("%s", sb.String())
}

// next returns the next input line. ok is false at end of input or when ctx
// is done.
func (s *Session) next(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-s.lines:
		return line, ok
	}
}

func (s *Session) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.cfg.Out, format, args...)
}

// readLines scans r in a goroutine so a blocked read never delays
// cancellation. The channel closes at end of input; the goroutine stops
// sending once done is closed.
func readLines(r io.Reader, done <-chan struct{}) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-done:
				return
			}
		}
	}()
	return ch
}

func isDir(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
