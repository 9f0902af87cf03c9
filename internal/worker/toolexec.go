package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ToolExecutor executes tool calls requested by the model.
type ToolExecutor struct {
	workDir string
}

// NewToolExecutor creates a tool executor rooted at the given directory.
func NewToolExecutor(workDir string) *ToolExecutor {
	return &ToolExecutor{workDir: workDir}
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Content string
	IsError bool
	// SideEffect records a mutation (file written, command run) for the audit log.
	SideEffect string
}

// Execute runs a tool by name with the given JSON input.
func (e *ToolExecutor) Execute(ctx context.Context, name string, input json.RawMessage) ToolResult {
	switch name {
	case "Read":
		return e.execRead(input)
	case "Write":
		return e.execWrite(input)
	case "Edit":
		return e.execEdit(input)
	case "Bash":
		return e.execBash(ctx, input)
	case "Glob":
		return e.execGlob(input)
	case "Grep":
		return e.execGrep(ctx, input)
	default:
		return ToolResult{Content: fmt.Sprintf("Unknown tool: %s", name), IsError: true}
	}
}

func (e *ToolExecutor) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.workDir, p)
}

func (e *ToolExecutor) execRead(input json.RawMessage) ToolResult {
	var params struct {
		FilePath string `json:"file_path"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	path := e.resolvePath(params.FilePath)
	content, err := os.ReadFile(path)
	if err != nil {
		return ToolResult{Content: fmt.Sprintf("Failed to read file: %v", err), IsError: true}
	}

	lines := strings.Split(string(content), "\n")

	start := 0
	if params.Offset > 0 {
		start = params.Offset - 1
		if start >= len(lines) {
			return ToolResult{Content: "Offset beyond end of file", IsError: true}
		}
	}

	end := len(lines)
	if params.Limit > 0 && start+params.Limit < end {
		end = start + params.Limit
	}

	var result strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&result, "%6d\t%s\n", i+1, lines[i])
	}

	return ToolResult{Content: result.String()}
}

func (e *ToolExecutor) execWrite(input json.RawMessage) ToolResult {
	var params struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	path := e.resolvePath(params.FilePath)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ToolResult{Content: fmt.Sprintf("Failed to create directory: %v", err), IsError: true}
	}

	if err := os.WriteFile(path, []byte(params.Content), 0644); err != nil {
		return ToolResult{Content: fmt.Sprintf("Failed to write file: %v", err), IsError: true}
	}

	return ToolResult{
		Content:    fmt.Sprintf("Successfully wrote %d bytes to %s", len(params.Content), params.FilePath),
		SideEffect: "wrote " + params.FilePath,
	}
}

func (e *ToolExecutor) execEdit(input json.RawMessage) ToolResult {
	var params struct {
		FilePath   string `json:"file_path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	path := e.resolvePath(params.FilePath)
	content, err := os.ReadFile(path)
	if err != nil {
		return ToolResult{Content: fmt.Sprintf("Failed to read file: %v", err), IsError: true}
	}

	contentStr := string(content)

	count := strings.Count(contentStr, params.OldString)
	if count == 0 {
		return ToolResult{Content: "old_string not found in file", IsError: true}
	}
	if !params.ReplaceAll && count > 1 {
		return ToolResult{
			Content: fmt.Sprintf("old_string found %d times; must be unique or use replace_all=true", count),
			IsError: true,
		}
	}

	var newContent string
	if params.ReplaceAll {
		newContent = strings.ReplaceAll(contentStr, params.OldString, params.NewString)
	} else {
		newContent = strings.Replace(contentStr, params.OldString, params.NewString, 1)
	}

	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		return ToolResult{Content: fmt.Sprintf("Failed to write file: %v", err), IsError: true}
	}

	return ToolResult{Content: "Edit successful", SideEffect: "edited " + params.FilePath}
}

func (e *ToolExecutor) execBash(ctx context.Context, input json.RawMessage) ToolResult {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	timeout := 120 * time.Second
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", params.Command)
	cmd.Dir = e.workDir

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ToolResult{
				Content: fmt.Sprintf("Command timed out after %v:\n%s", timeout, string(output)),
				IsError: true,
			}
		}
		return ToolResult{
			Content: fmt.Sprintf("%s\nError: %v", string(output), err),
			IsError: true,
		}
	}

	result := string(output)
	if len(result) > 30000 {
		result = result[:30000] + "\n... (output truncated)"
	}

	return ToolResult{Content: result, SideEffect: "ran " + params.Command}
}

func (e *ToolExecutor) execGlob(input json.RawMessage) ToolResult {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	searchPath := e.workDir
	if params.Path != "" {
		searchPath = e.resolvePath(params.Path)
	}

	var matches []string
	err := filepath.WalkDir(searchPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && d.Name() != "." {
				return filepath.SkipDir
			}
			return nil
		}

		matched, _ := filepath.Match(filepath.Base(params.Pattern), d.Name())
		if matched {
			relPath, _ := filepath.Rel(searchPath, path)
			matches = append(matches, relPath)
		}
		return nil
	})

	if err != nil {
		return ToolResult{Content: fmt.Sprintf("Glob error: %v", err), IsError: true}
	}

	if len(matches) == 0 {
		return ToolResult{Content: "No files matched the pattern"}
	}

	return ToolResult{Content: strings.Join(matches, "\n")}
}

func (e *ToolExecutor) execGrep(ctx context.Context, input json.RawMessage) ToolResult {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	args := []string{"--color=never", "-n", params.Pattern}

	searchPath := e.workDir
	if params.Path != "" {
		searchPath = e.resolvePath(params.Path)
	}
	args = append(args, searchPath)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// rg returns non-zero on no match
	cmd := exec.CommandContext(ctx, "rg", args...)
	output, _ := cmd.CombinedOutput()

	result := string(output)
	if len(result) == 0 {
		return ToolResult{Content: "No matches found"}
	}
	if len(result) > 30000 {
		result = result[:30000] + "\n... (output truncated)"
	}

	return ToolResult{Content: result}
}
