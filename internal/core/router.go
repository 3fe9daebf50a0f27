package core

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

const (
	// DefaultPlanThreshold is the prompt length above which a task is routed
	// to the plan_implement workflow.
	DefaultPlanThreshold = 500

	// DefaultNameMaxLength is how many prompt characters feed a generated
	// workspace name.
	DefaultNameMaxLength = 50
)

// nonAlnumRun matches a run of characters not allowed in workspace names.
var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// plannerByPrototype maps prototype tag values to planner variants.
var plannerByPrototype = map[string]models.PlannerVariant{
	"uv_script":   models.PlannerScript,
	"vite_vue":    models.PlannerWebApp,
	"bun_scripts": models.PlannerScriptedRuntime,
	"uv_mcp":      models.PlannerToolServer,
}

// RouterConfig holds the tunable routing heuristics.
type RouterConfig struct {
	PlanThreshold int
	NameMaxLength int
}

// DefaultRouterConfig returns the stock routing thresholds.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		PlanThreshold: DefaultPlanThreshold,
		NameMaxLength: DefaultNameMaxLength,
	}
}

// WorkflowRouter turns a task and its extracted metadata into a dispatch
// decision. Apart from the random suffix of fallback workspace names it is
// deterministic.
type WorkflowRouter struct {
	cfg     RouterConfig
	shortID func() string
}

// NewWorkflowRouter creates a WorkflowRouter. Zero thresholds fall back to
// the defaults.
func NewWorkflowRouter(cfg RouterConfig) *WorkflowRouter {
	if cfg.PlanThreshold <= 0 {
		cfg.PlanThreshold = DefaultPlanThreshold
	}
	if cfg.NameMaxLength <= 0 {
		cfg.NameMaxLength = DefaultNameMaxLength
	}
	return &WorkflowRouter{cfg: cfg, shortID: newShortID}
}

// newShortID returns the first eight characters of a random UUID.
func newShortID() string {
	return uuid.NewString()[:8]
}

// SelectModel returns explicit when it names a known tier, else the model
// tag when valid, else sonnet. Unknown values never fail routing.
func (r *WorkflowRouter) SelectModel(tags map[string]string, explicit models.ModelTier) models.ModelTier {
	if explicit.Valid() {
		return explicit
	}
	if m := models.ModelTier(strings.ToLower(tags[models.TagModel])); m.Valid() {
		return m
	}
	return models.ModelSonnet
}

// SelectWorkflow picks plan_implement for prototype tasks, tasks tagged
// workflow: plan, or prompts longer than the plan threshold.
func (r *WorkflowRouter) SelectWorkflow(tags map[string]string, promptLength int) models.WorkflowVariant {
	if tags[models.TagPrototype] != "" {
		return models.WorkflowPlanImplement
	}
	if tags[models.TagWorkflow] == "plan" {
		return models.WorkflowPlanImplement
	}
	if promptLength > r.cfg.PlanThreshold {
		return models.WorkflowPlanImplement
	}
	return models.WorkflowBuild
}

// GenerateWorkspaceName derives a readable workspace name from the start of
// the prompt. Names are not guaranteed unique; the workspace provider
// resolves collisions.
func (r *WorkflowRouter) GenerateWorkspaceName(prompt string, hasPrototype bool) string {
	prefix := "feat"
	if hasPrototype {
		prefix = "proto"
	}

	runes := []rune(prompt)
	if len(runes) > r.cfg.NameMaxLength {
		runes = runes[:r.cfg.NameMaxLength]
	}
	slug := strings.ToLower(string(runes))
	slug = nonAlnumRun.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")

	if slug == "" {
		return prefix + "-task-" + r.shortID()
	}
	return prefix + "-" + slug
}

// SelectPlanner maps a prototype tag value to its planner variant.
func SelectPlanner(prototype string) models.PlannerVariant {
	if p, ok := plannerByPrototype[strings.ToLower(strings.TrimSpace(prototype))]; ok {
		return p
	}
	return models.PlannerGeneric
}

// Route builds the full dispatch decision for task. Native tracker tags
// override inline tags, and a workspace named by a worktree or workspace tag
// is used verbatim.
func (r *WorkflowRouter) Route(task models.Task, meta models.ExtractedMetadata, explicit models.ModelTier) models.DispatchDecision {
	tags := MergeTags(meta.Tags, task.NativeTags)
	prototype := tags[models.TagPrototype]

	d := models.DispatchDecision{
		Workflow:  r.SelectWorkflow(tags, len([]rune(meta.Prompt))),
		Model:     r.SelectModel(tags, explicit),
		Prototype: prototype,
		Prompt:    meta.Prompt,
	}

	switch {
	case tags[models.TagWorktree] != "":
		d.Workspace = tags[models.TagWorktree]
	case tags[models.TagWorkspace] != "":
		d.Workspace = tags[models.TagWorkspace]
	default:
		d.Workspace = r.GenerateWorkspaceName(meta.Prompt, prototype != "")
	}

	if d.Workflow == models.WorkflowPlanImplement {
		d.Planner = SelectPlanner(prototype)
	}
	return d
}
