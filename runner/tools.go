package runner

import "github.com/openagency/conductor/providers"

// Tool names understood by the external tool executor. The catalog below
// declares the envelope offered to the model; the implementations live
// outside the core behind core.ToolExecutor.
const (
	ToolResearchTask   = "research_task"
	ToolWebSearch      = "web_search"
	ToolWebFetch       = "web_fetch"
	ToolFileRead       = "file_read"
	ToolFileWrite      = "file_write"
	ToolFileEdit       = "file_edit"
	ToolGlobFiles      = "glob_files"
	ToolGrepSearch     = "grep_search"
	ToolRepoInfo       = "repo_info"
	ToolShellExecute   = "shell_execute"
	ToolGitOperations  = "git_operations"
	ToolInstallPackage = "install_package"
	ToolDeploy         = "deploy"
	ToolProcessManage  = "process_manage"
	ToolEnvManage      = "env_manage"
	ToolNotify         = "send_notification"
)

// toolCatalog declares every tool definition offered to the model. Each
// phase filters this catalog down to its allowed set.
var toolCatalog = []providers.ToolDefinition{
	{
		Name:        ToolResearchTask,
		Description: "Research a topic or technology and summarize findings",
		InputSchema: objectSchema(map[string]interface{}{
			"topic": map[string]interface{}{"type": "string", "description": "What to research"},
		}, "topic"),
	},
	{
		Name:        ToolWebSearch,
		Description: "Search the web and return result snippets",
		InputSchema: objectSchema(map[string]interface{}{
			"query": map[string]interface{}{"type": "string"},
		}, "query"),
	},
	{
		Name:        ToolWebFetch,
		Description: "Fetch a URL and return its text content",
		InputSchema: objectSchema(map[string]interface{}{
			"url": map[string]interface{}{"type": "string"},
		}, "url"),
	},
	{
		Name:        ToolFileRead,
		Description: "Read a file and return its contents",
		InputSchema: objectSchema(map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		}, "path"),
	},
	{
		Name:        ToolFileWrite,
		Description: "Write content to a file, creating it if needed",
		InputSchema: objectSchema(map[string]interface{}{
			"path":    map[string]interface{}{"type": "string"},
			"content": map[string]interface{}{"type": "string"},
		}, "path", "content"),
	},
	{
		Name:        ToolFileEdit,
		Description: "Replace text within an existing file",
		InputSchema: objectSchema(map[string]interface{}{
			"path":    map[string]interface{}{"type": "string"},
			"find":    map[string]interface{}{"type": "string"},
			"replace": map[string]interface{}{"type": "string"},
		}, "path", "find", "replace"),
	},
	{
		Name:        ToolGlobFiles,
		Description: "List files matching a glob pattern",
		InputSchema: objectSchema(map[string]interface{}{
			"pattern": map[string]interface{}{"type": "string"},
		}, "pattern"),
	},
	{
		Name:        ToolGrepSearch,
		Description: "Search file contents for a pattern",
		InputSchema: objectSchema(map[string]interface{}{
			"pattern": map[string]interface{}{"type": "string"},
			"path":    map[string]interface{}{"type": "string"},
		}, "pattern"),
	},
	{
		Name:        ToolRepoInfo,
		Description: "Get repository metadata: branches, open issues, recent commits",
		InputSchema: objectSchema(map[string]interface{}{
			"repo": map[string]interface{}{"type": "string"},
		}),
	},
	{
		Name:        ToolShellExecute,
		Description: "Run a shell command and return its output",
		InputSchema: objectSchema(map[string]interface{}{
			"command": map[string]interface{}{"type": "string"},
			"cwd":     map[string]interface{}{"type": "string"},
		}, "command"),
	},
	{
		Name:        ToolGitOperations,
		Description: "Perform a git action: status, add, commit, push, pull",
		InputSchema: objectSchema(map[string]interface{}{
			"action":    map[string]interface{}{"type": "string"},
			"repo_path": map[string]interface{}{"type": "string"},
			"message":   map[string]interface{}{"type": "string"},
		}, "action"),
	},
	{
		Name:        ToolInstallPackage,
		Description: "Install a package with the project's package manager",
		InputSchema: objectSchema(map[string]interface{}{
			"package": map[string]interface{}{"type": "string"},
		}, "package"),
	},
	{
		Name:        ToolDeploy,
		Description: "Trigger a deployment of the project",
		InputSchema: objectSchema(map[string]interface{}{
			"target": map[string]interface{}{"type": "string"},
		}),
	},
	{
		Name:        ToolProcessManage,
		Description: "Start, stop, or restart a managed process",
		InputSchema: objectSchema(map[string]interface{}{
			"action": map[string]interface{}{"type": "string"},
			"name":   map[string]interface{}{"type": "string"},
		}, "action", "name"),
	},
	{
		Name:        ToolEnvManage,
		Description: "Read or set project environment variables",
		InputSchema: objectSchema(map[string]interface{}{
			"action": map[string]interface{}{"type": "string"},
			"key":    map[string]interface{}{"type": "string"},
			"value":  map[string]interface{}{"type": "string"},
		}, "action", "key"),
	},
	{
		Name:        ToolNotify,
		Description: "Send a notification message to the project channel",
		InputSchema: objectSchema(map[string]interface{}{
			"message": map[string]interface{}{"type": "string"},
		}, "message"),
	},
}

// Tools available during each phase. Restricting the set per phase is the
// enforcement mechanism: the model only sees the definitions it may call.
var phaseTools = map[Phase][]string{
	PhaseResearch: {
		ToolResearchTask, ToolWebSearch, ToolWebFetch,
		ToolFileRead, ToolGlobFiles, ToolGrepSearch, ToolRepoInfo,
	},
	PhasePlan: {
		ToolFileRead, ToolGlobFiles, ToolGrepSearch, ToolRepoInfo,
	},
	PhaseExecute: {
		ToolShellExecute, ToolGitOperations, ToolFileRead, ToolFileWrite,
		ToolFileEdit, ToolGlobFiles, ToolGrepSearch, ToolInstallPackage,
		ToolDeploy, ToolProcessManage, ToolEnvManage,
	},
	PhaseVerify: {
		ToolShellExecute, ToolFileRead, ToolGlobFiles, ToolGrepSearch, ToolRepoInfo,
	},
	PhaseDeliver: {
		ToolGitOperations, ToolDeploy, ToolShellExecute, ToolNotify,
	},
}

// toolsForPhase returns the catalog definitions allowed in a phase.
func toolsForPhase(phase Phase) []providers.ToolDefinition {
	allowed, ok := phaseTools[phase]
	if !ok {
		allowed = phaseTools[PhaseExecute]
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allowedSet[name] = true
	}

	var defs []providers.ToolDefinition
	for _, def := range toolCatalog {
		if allowedSet[def.Name] {
			defs = append(defs, def)
		}
	}
	return defs
}

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
