package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	defaultReadLimit = 2000 // max lines per read
	maxLineLength    = 2000 // truncate longer lines
	maxSearchHits    = 100
)

// toolResult is what a tool execution sends back to the model.
type toolResult struct {
	Content string
	IsError bool
}

func errorResult(msg string) toolResult {
	return toolResult{Content: msg, IsError: true}
}

func successResult(content string) toolResult {
	return toolResult{Content: content}
}

// tool is one agent-callable tool scoped to a workspace.
type tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input json.RawMessage) toolResult
}

// toolbox holds the tools for one run and records observed file edits.
type toolbox struct {
	workdir string
	tools   map[string]tool

	mu     sync.Mutex
	edited map[string]bool
}

// newToolbox builds the tool set for a permission mode. ModeNoTools yields
// an empty toolbox.
func newToolbox(workdir string, mode Mode) *toolbox {
	tb := &toolbox{
		workdir: workdir,
		tools:   make(map[string]tool),
		edited:  make(map[string]bool),
	}
	if mode == ModeNoTools {
		return tb
	}

	tb.register(&readFileTool{tb: tb})
	tb.register(&listFilesTool{tb: tb})
	tb.register(&searchTool{tb: tb})
	if mode == ModeReadWrite {
		tb.register(&writeFileTool{tb: tb})
	}
	return tb
}

func (tb *toolbox) register(t tool) {
	tb.tools[t.Name()] = t
}

// dispatch executes a tool by name. Unknown tools report an error result
// rather than failing the run.
func (tb *toolbox) dispatch(ctx context.Context, name string, input json.RawMessage) toolResult {
	t := tb.tools[name]
	if t == nil {
		return errorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	return t.Execute(ctx, input)
}

// editedFiles returns the workspace-relative paths written during the run,
// sorted for determinism.
func (tb *toolbox) editedFiles() []string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if len(tb.edited) == 0 {
		return nil
	}
	files := make([]string, 0, len(tb.edited))
	for f := range tb.edited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

func (tb *toolbox) recordEdit(relPath string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.edited[relPath] = true
}

// validatePath resolves a workspace-relative path and rejects escapes.
func (tb *toolbox) validatePath(relPath string) (string, error) {
	cleanPath := filepath.Clean(relPath)
	if filepath.IsAbs(cleanPath) {
		return "", fmt.Errorf("absolute paths not allowed: %s", relPath)
	}

	absPath := filepath.Join(tb.workdir, cleanPath)
	rel, err := filepath.Rel(tb.workdir, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path escapes workspace: %s", relPath)
	}
	return absPath, nil
}

// readFileTool returns file contents with line numbers.
type readFileTool struct {
	tb *toolbox
}

func (t *readFileTool) Name() string { return "read_file" }

func (t *readFileTool) Description() string {
	return "Read a file from the repository. Returns contents with line numbers. Use offset and limit for large files."
}

func (t *readFileTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"path":   stringProp("File path relative to the repository root"),
		"offset": integerProp("Line number to start reading from (1-indexed)"),
		"limit":  integerProp("Maximum number of lines to read"),
	}, "path")
}

func (t *readFileTool) Execute(_ context.Context, input json.RawMessage) toolResult {
	var in struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return errorResult("invalid input: " + err.Error())
	}
	if in.Path == "" {
		return errorResult("path is required")
	}
	if in.Offset <= 0 {
		in.Offset = 1
	}
	if in.Limit <= 0 {
		in.Limit = defaultReadLimit
	}

	absPath, err := t.tb.validatePath(in.Path)
	if err != nil {
		return errorResult(err.Error())
	}

	file, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return errorResult("file not found: " + in.Path)
		}
		return errorResult("failed to open file: " + err.Error())
	}
	defer file.Close()

	var out strings.Builder
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, maxLineLength), 1024*1024)

	lineNum := 0
	linesRead := 0
	for scanner.Scan() {
		lineNum++
		if lineNum < in.Offset {
			continue
		}
		if linesRead >= in.Limit {
			fmt.Fprintf(&out, "\n... (truncated at %d lines, use offset to read more)", in.Limit)
			break
		}
		line := scanner.Text()
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "..."
		}
		fmt.Fprintf(&out, "%6d\t%s\n", lineNum, line)
		linesRead++
	}
	if err := scanner.Err(); err != nil {
		return errorResult("error reading file: " + err.Error())
	}
	if linesRead == 0 {
		if in.Offset > 1 {
			return errorResult(fmt.Sprintf("offset %d exceeds file length (%d lines)", in.Offset, lineNum))
		}
		return successResult("(empty file)")
	}
	return successResult(out.String())
}

// listFilesTool lists a directory, directories suffixed with a slash.
type listFilesTool struct {
	tb *toolbox
}

func (t *listFilesTool) Name() string { return "list_files" }

func (t *listFilesTool) Description() string {
	return "List the entries of a directory in the repository. Directories end with a slash."
}

func (t *listFilesTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"path": stringProp("Directory path relative to the repository root; defaults to the root"),
	})
}

func (t *listFilesTool) Execute(_ context.Context, input json.RawMessage) toolResult {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return errorResult("invalid input: " + err.Error())
	}
	if in.Path == "" {
		in.Path = "."
	}

	absPath, err := t.tb.validatePath(in.Path)
	if err != nil {
		return errorResult(err.Error())
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		return errorResult("failed to list directory: " + err.Error())
	}

	var out strings.Builder
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		if entry.IsDir() {
			out.WriteString(entry.Name() + "/\n")
		} else {
			out.WriteString(entry.Name() + "\n")
		}
	}
	if out.Len() == 0 {
		return successResult("(empty directory)")
	}
	return successResult(out.String())
}

// searchTool greps the workspace for a substring.
type searchTool struct {
	tb *toolbox
}

func (t *searchTool) Name() string { return "search" }

func (t *searchTool) Description() string {
	return "Search repository files for a literal substring. Returns path:line matches."
}

func (t *searchTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"query": stringProp("Literal text to search for"),
	}, "query")
}

func (t *searchTool) Execute(ctx context.Context, input json.RawMessage) toolResult {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return errorResult("invalid input: " + err.Error())
	}
	if in.Query == "" {
		return errorResult("query is required")
	}

	var out strings.Builder
	hits := 0
	err := filepath.WalkDir(t.tb.workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if hits >= maxSearchHits {
			return filepath.SkipAll
		}

		file, openErr := os.Open(path)
		if openErr != nil {
			return nil
		}
		defer file.Close()

		rel, _ := filepath.Rel(t.tb.workdir, path)
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, maxLineLength), 1024*1024)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			if strings.Contains(scanner.Text(), in.Query) {
				fmt.Fprintf(&out, "%s:%d\n", rel, lineNum)
				hits++
				if hits >= maxSearchHits {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return errorResult("search failed: " + err.Error())
	}
	if hits == 0 {
		return successResult("(no matches)")
	}
	if hits >= maxSearchHits {
		fmt.Fprintf(&out, "... (stopped at %d matches)", maxSearchHits)
	}
	return successResult(out.String())
}

// writeFileTool replaces a file's contents and records the edit.
type writeFileTool struct {
	tb *toolbox
}

func (t *writeFileTool) Name() string { return "write_file" }

func (t *writeFileTool) Description() string {
	return "Write a file in the repository, replacing its contents. Creates parent directories as needed."
}

func (t *writeFileTool) InputSchema() map[string]any {
	return objectSchema(map[string]any{
		"path":    stringProp("File path relative to the repository root"),
		"content": stringProp("Full new contents of the file"),
	}, "path", "content")
}

func (t *writeFileTool) Execute(_ context.Context, input json.RawMessage) toolResult {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return errorResult("invalid input: " + err.Error())
	}
	if in.Path == "" {
		return errorResult("path is required")
	}

	absPath, err := t.tb.validatePath(in.Path)
	if err != nil {
		return errorResult(err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return errorResult("failed to create directory: " + err.Error())
	}
	if err := os.WriteFile(absPath, []byte(in.Content), 0o644); err != nil {
		return errorResult("failed to write file: " + err.Error())
	}

	t.tb.recordEdit(filepath.Clean(in.Path))
	return successResult("wrote " + in.Path)
}

// objectSchema builds a JSON schema object with the given properties and
// required field names.
func objectSchema(properties map[string]any, required ...string) map[string]any {
	return map[string]any{
		"properties": properties,
		"required":   required,
	}
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func integerProp(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}
