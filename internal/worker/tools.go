package worker

import (
	"github.com/anthropics/anthropic-sdk-go"
)

// allToolDefinitions holds the schema for every tool the system knows.
// A worker only ever receives the subset its descriptor declares.
var allToolDefinitions = map[string]anthropic.ToolUnionParam{
	"Read": {
		OfTool: &anthropic.ToolParam{
			Name:        "Read",
			Description: anthropic.String("Read a file from the filesystem. Returns file contents with line numbers."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"file_path": map[string]interface{}{
						"type":        "string",
						"description": "Absolute path to the file to read",
					},
					"offset": map[string]interface{}{
						"type":        "integer",
						"description": "Line number to start reading from (1-indexed, optional)",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of lines to read (optional)",
					},
				},
				Required: []string{"file_path"},
			},
		},
	},
	"Write": {
		OfTool: &anthropic.ToolParam{
			Name:        "Write",
			Description: anthropic.String("Write content to a file. Creates parent directories if needed."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"file_path": map[string]interface{}{
						"type":        "string",
						"description": "Absolute path to the file to write",
					},
					"content": map[string]interface{}{
						"type":        "string",
						"description": "Content to write to the file",
					},
				},
				Required: []string{"file_path", "content"},
			},
		},
	},
	"Edit": {
		OfTool: &anthropic.ToolParam{
			Name:        "Edit",
			Description: anthropic.String("Edit a file by replacing text. The old_string must be unique unless replace_all is true."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"file_path": map[string]interface{}{
						"type":        "string",
						"description": "Absolute path to the file to edit",
					},
					"old_string": map[string]interface{}{
						"type":        "string",
						"description": "The exact text to find and replace",
					},
					"new_string": map[string]interface{}{
						"type":        "string",
						"description": "The text to replace it with",
					},
					"replace_all": map[string]interface{}{
						"type":        "boolean",
						"description": "If true, replace all occurrences (default: false)",
					},
				},
				Required: []string{"file_path", "old_string", "new_string"},
			},
		},
	},
	"Bash": {
		OfTool: &anthropic.ToolParam{
			Name:        "Bash",
			Description: anthropic.String("Execute a bash command and return the output."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"command": map[string]interface{}{
						"type":        "string",
						"description": "The bash command to execute",
					},
					"timeout": map[string]interface{}{
						"type":        "integer",
						"description": "Timeout in milliseconds (optional, default 120000)",
					},
				},
				Required: []string{"command"},
			},
		},
	},
	"Glob": {
		OfTool: &anthropic.ToolParam{
			Name:        "Glob",
			Description: anthropic.String("Find files matching a glob pattern."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"pattern": map[string]interface{}{
						"type":        "string",
						"description": "Glob pattern to match (e.g., '**/*.go')",
					},
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Directory to search in (optional, defaults to working directory)",
					},
				},
				Required: []string{"pattern"},
			},
		},
	},
	"Grep": {
		OfTool: &anthropic.ToolParam{
			Name:        "Grep",
			Description: anthropic.String("Search file contents for a regular expression."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"pattern": map[string]interface{}{
						"type":        "string",
						"description": "Regular expression to search for",
					},
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Directory or file to search (optional)",
					},
				},
				Required: []string{"pattern"},
			},
		},
	},
}

// ToolDefinitions returns tool schemas for the given permitted names.
// Unknown names are skipped.
func ToolDefinitions(names []string) []anthropic.ToolUnionParam {
	defs := make([]anthropic.ToolUnionParam, 0, len(names))
	for _, name := range names {
		if def, ok := allToolDefinitions[name]; ok {
			defs = append(defs, def)
		}
	}
	return defs
}

// KnownTool returns true if the tool name has a registered schema.
func KnownTool(name string) bool {
	_, ok := allToolDefinitions[name]
	return ok
}
