package prompt

// builtinTemplates maps template name to content.
var builtinTemplates = map[string]string{
	"plan.md":       planTemplate,
	"build-epic.md": buildEpicTemplate,
}

const planTemplate = `# Plan: {{task_title}}

{{#if rejection_feedback}}
## Previous attempt was rejected
{{rejection_feedback}}

Address every point above before anything else.
{{/if}}

{{#if directives}}
## User directives
{{directives}}
{{/if}}

## Task
{{task_description}}

## Repositories
{{repositories}}

{{#if discovery}}
## Codebase context
{{discovery}}
{{/if}}

## Instructions
Decompose this task into epics. Each epic must:
- target exactly one of the repositories above (use its name in "repository")
- list every repository it touches in "affected_repositories"
- list the files it will modify, create, and read
- carry a meaningful description of the work

Respond with a single JSON object:
{
  "analysis": "short overall analysis",
  "epics": [
    {
      "title": "...",
      "description": "...",
      "repository": "repository name",
      "affected_repositories": ["repository names this epic touches"],
      "files_to_modify": ["..."],
      "files_to_create": ["..."],
      "files_to_read": ["..."]
    }
  ]
}
`

const buildEpicTemplate = `# Implement: {{epic_title}}

## Task
{{task_description}}

## Epic
{{epic_description}}

{{#if directives}}
## User directives
{{directives}}
{{/if}}

## Scope
Working in: {{workspace_path}}
Branch: {{branch}}
Files to modify: {{files_to_modify}}
Files to create: {{files_to_create}}
Read-only reference: {{files_to_read}}

Do not touch files outside this scope; a parallel worker may own them.

## Instructions
1. Read the listed files to understand the current state
2. Implement the epic completely
3. Commit all work with descriptive messages

When done, summarize what you changed in one paragraph.
`
