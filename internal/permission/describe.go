// ABOUTME: Human-readable descriptions and reasons for permission prompts
// ABOUTME: Keyed on the tool name with a generic fallback

package permission

import "fmt"

// Describe summarizes what a tool call will do.
func Describe(toolName string, input map[string]any) string {
	switch toolName {
	case "bash":
		return "Execute command: " + field(input, "command", "unknown command")
	case "edit":
		return "Edit file: " + field(input, "path", "unknown file")
	case "create":
		return "Create file: " + field(input, "path", "unknown file")
	case "view":
		return "View file: " + field(input, "path", "unknown file")
	case "list_dir":
		return "List directory: " + field(input, "path", "current directory")
	case "search":
		return "Search for: " + field(input, "query", "unknown query")
	case "replace":
		return "Replace text in: " + field(input, "path", "unknown file")
	default:
		return "Use tool: " + toolName
	}
}

// Reason explains why the assistant wants the tool.
func Reason(toolName string) string {
	switch toolName {
	case "bash":
		return "Execute system command to perform development tasks"
	case "edit", "create", "replace":
		return "Modify project files to implement requested changes"
	case "view", "list_dir":
		return "Read project files to understand current state"
	case "search":
		return "Search through project files to find relevant code"
	default:
		return "This tool is needed to complete the requested task"
	}
}

func field(input map[string]any, key, fallback string) string {
	v, ok := input[key]
	if !ok || v == nil {
		return fallback
	}
	s := fmt.Sprint(v)
	if s == "" {
		return fallback
	}
	return s
}
