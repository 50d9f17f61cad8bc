// Package loader walks a repository directory and turns every eligible source
// file into a rag.Document ready for embedding.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/54b3r/codeqa-go/internal/rag"
)

// ErrNotDirectory is returned when the root passed to Load does not exist or
// is not a directory.
var ErrNotDirectory = errors.New("loader: not a directory")

// errInvalidUTF8 marks files whose content is not valid UTF-8 text.
var errInvalidUTF8 = errors.New("content is not valid UTF-8")

// DefaultExtensions is the allow-list of source file extensions. Matching is
// case-sensitive on the final extension of the file name.
var DefaultExtensions = []string{
	".py", ".js", ".java", ".cpp", ".c", ".h", ".hpp", ".cs",
	".go", ".rs", ".ts", ".jsx", ".tsx", ".prisma",
}

// DefaultExcludeDirs lists directory base names whose whole subtree is skipped.
var DefaultExcludeDirs = []string{
	"venv", "env", ".venv", ".env", "node_modules", ".git", "__pycache__",
	".pytest_cache", "build", "dist", ".idea", ".vscode", "target", ".mypy_cache",
}

// idLength is the number of hex characters kept from the SHA-256 digest.
const idLength = 32

// Options configures a Loader. Zero values fall back to the defaults.
type Options struct {
	// Extensions is the allow-list of file suffixes. Nil means DefaultExtensions.
	Extensions []string

	// ExcludeDirs lists directory names to skip at any depth. Nil means DefaultExcludeDirs.
	ExcludeDirs []string

	// ChunkSize splits file content into chunks of at most this many
	// characters. 0 keeps one document per file.
	ChunkSize int

	// ChunkOverlap is the character overlap between consecutive chunks.
	ChunkOverlap int

	// Diagnostics receives one "Error reading <path>: <err>" line per skipped
	// file. Nil discards them.
	Diagnostics io.Writer

	// Logger receives structured warnings for skipped files. Nil uses slog.Default().
	Logger *slog.Logger
}

// Loader discovers and reads source files.
type Loader struct {
	extensions map[string]struct{}
	exclude    map[string]struct{}
	splitter   textsplitter.TextSplitter
	diag       io.Writer
	log        *slog.Logger
}

// New returns a Loader configured by opts.
func New(opts Options) *Loader {
	l := &Loader{
		extensions: make(map[string]struct{}),
		exclude:    make(map[string]struct{}),
		diag:       opts.Diagnostics,
		log:        opts.Logger,
	}
	extensions := opts.Extensions
	if extensions == nil {
		extensions = DefaultExtensions
	}
	for _, ext := range extensions {
		l.extensions[ext] = struct{}{}
	}
	excludeDirs := opts.ExcludeDirs
	if excludeDirs == nil {
		excludeDirs = DefaultExcludeDirs
	}
	for _, d := range excludeDirs {
		l.exclude[d] = struct{}{}
	}
	if l.diag == nil {
		l.diag = io.Discard
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if opts.ChunkSize > 0 {
		overlap := opts.ChunkOverlap
		if overlap < 0 || overlap >= opts.ChunkSize {
			overlap = 0
		}
		l.splitter = textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(opts.ChunkSize),
			textsplitter.WithChunkOverlap(overlap),
		)
	}
	return l
}

// Load walks root and returns one Document per eligible file (or per chunk
// when chunking is enabled) in traversal order. Unreadable files are skipped
// with a diagnostic. An empty result is not an error.
func (l *Loader) Load(ctx context.Context, root string) ([]rag.Document, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}

	var docs []rag.Document
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if d != nil && d.IsDir() && path != root {
				l.skip(path, walkErr)
				return fs.SkipDir
			}
			if path == root {
				return walkErr
			}
			l.skip(path, walkErr)
			return nil
		}
		if d.IsDir() {
			if path != root && l.excluded(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !l.Eligible(d.Name()) {
			return nil
		}
		if !d.Type().IsRegular() && !l.regularTarget(path, d) {
			return nil
		}

		fileDocs, err := l.read(root, path)
		if err != nil {
			l.skip(path, err)
			return nil
		}
		docs = append(docs, fileDocs...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loader: walk %s: %w", root, err)
	}

	l.log.Debug("loader: walk complete", slog.String("root", root), slog.Int("documents", len(docs)))
	return docs, nil
}

// LoadFile loads a single file below root with the same filters as Load. It
// returns no documents when path is ineligible or inside an excluded directory.
func (l *Loader) LoadFile(root, path string) ([]rag.Document, error) {
	if !l.Eligible(filepath.Base(path)) || l.InExcludedDir(root, path) {
		return nil, nil
	}
	docs, err := l.read(root, path)
	if err != nil {
		return nil, fmt.Errorf("loader: read %s: %w", path, err)
	}
	return docs, nil
}

// Eligible reports whether name carries an allowed extension. A dotfile such
// as ".go" has no extension.
func (l *Loader) Eligible(name string) bool {
	_, ok := l.extensions[Extension(name)]
	return ok
}

// Extension returns the final extension of name including the dot, or "" for
// names without one. A leading dot starts a hidden name, not an extension.
func Extension(name string) string {
	ext := filepath.Ext(name)
	if ext == name {
		return ""
	}
	return ext
}

// regularTarget reports whether a non-regular entry should be read as a file.
// Symlinks are followed to files; a dangling link is kept so reading it
// reports the error. Links to directories are not descended into.
func (l *Loader) regularTarget(path string, d fs.DirEntry) bool {
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return info.Mode().IsRegular()
}

// InExcludedDir reports whether any directory between root and path is excluded.
func (l *Loader) InExcludedDir(root, path string) bool {
	return l.ExcludesDir(root, filepath.Dir(path))
}

// ExcludesDir reports whether dir, or any directory between root and dir, is
// excluded. root itself is never excluded.
func (l *Loader) ExcludesDir(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return false
	}
	for _, p := range strings.Split(filepath.ToSlash(rel), "/") {
		if l.excluded(p) {
			return true
		}
	}
	return false
}

// excluded reports whether a directory with base name name is skipped.
func (l *Loader) excluded(name string) bool {
	_, ok := l.exclude[name]
	return ok
}

// read loads one file and builds its documents.
func (l *Loader) read(root, path string) ([]rag.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, errInvalidUTF8
	}

	rel := RelPath(root, path)
	meta := map[string]string{
		rag.MetaFilePath: rel,
		rag.MetaFileType: Extension(filepath.Base(path)),
		rag.MetaFileName: filepath.Base(path),
	}
	content := string(data)

	if l.splitter == nil {
		return []rag.Document{{
			ID:       DocumentID(rel),
			Content:  content,
			Source:   rel,
			Metadata: meta,
		}}, nil
	}

	chunks, err := l.splitter.SplitText(content)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	docs := make([]rag.Document, 0, len(chunks))
	for i, chunk := range chunks {
		m := make(map[string]string, len(meta)+1)
		for k, v := range meta {
			m[k] = v
		}
		m[rag.MetaChunkIndex] = strconv.Itoa(i)
		docs = append(docs, rag.Document{
			ID:       ChunkID(rel, i),
			Content:  chunk,
			Source:   rel,
			Metadata: m,
		})
	}
	return docs, nil
}

// skip reports a file that could not be loaded.
func (l *Loader) skip(path string, err error) {
	fmt.Fprintf(l.diag, "Error reading %s: %v\n", path, err)
	l.log.Warn("loader: skipping file", slog.String("path", path), slog.String("error", err.Error()))
}

// CountFiles returns the number of distinct source files docs were loaded
// from. It differs from len(docs) when files are chunked.
func CountFiles(docs []rag.Document) int {
	seen := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		seen[d.Source] = struct{}{}
	}
	return len(seen)
}

// RelPath returns path relative to root with forward slashes. When path is
// not below root the cleaned slash form of path is returned.
func RelPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(filepath.Clean(path))
	}
	return filepath.ToSlash(rel)
}

// DocumentID returns the fixed-width identifier for a relative slash path.
func DocumentID(relPath string) string {
	sum := sha256.Sum256([]byte(relPath))
	return hex.EncodeToString(sum[:])[:idLength]
}

// ChunkID returns the identifier of chunk index of relPath.
func ChunkID(relPath string, index int) string {
	return DocumentID(relPath + "#" + strconv.Itoa(index))
}
