// Package model defines the persistent record types shared by the store,
// the runner, the scheduler and the HTTP surface: repos, tasks, runs,
// notifications, plan results and execution strategies.
package model

import "time"

// DefaultTestCommand is applied to newly discovered repos and migrated onto
// legacy rows whose test command is empty or the bare "npm test".
const DefaultTestCommand = "npm run test:ci --if-present || echo skip-tests"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusTodo        TaskStatus = "TODO"
	StatusPlanRunning TaskStatus = "PLAN_RUNNING"
	StatusPlanReview  TaskStatus = "PLAN_REVIEW"
	StatusReady       TaskStatus = "READY"
	StatusRunning     TaskStatus = "RUNNING"
	StatusReview      TaskStatus = "REVIEW"
	StatusDone        TaskStatus = "DONE"
	StatusFailed      TaskStatus = "FAILED"
	StatusCancelled   TaskStatus = "CANCELLED"
)

// IsTerminal reports whether the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TaskMode selects the plan or execution pipeline for a task.
type TaskMode string

const (
	ModePlan TaskMode = "PLAN"
	ModeExec TaskMode = "EXEC"
)

// PermissionMode controls how the agent CLI handles permission prompts.
type PermissionMode string

const (
	PermissionBypass  PermissionMode = "BYPASS"
	PermissionDefault PermissionMode = "DEFAULT"
)

// ExecMode selects how execution-phase work is orchestrated: AGENTIC hands
// the whole pipeline to the agent, FIXED drives git steps from this process.
type ExecMode string

const (
	ExecAgentic ExecMode = "AGENTIC"
	ExecFixed   ExecMode = "FIXED"
)

// StrategyStepType identifies a step in an execution strategy.
type StrategyStepType string

const (
	StepCoding   StrategyStepType = "CODING"
	StepCommit   StrategyStepType = "COMMIT"
	StepRebase   StrategyStepType = "REBASE"
	StepTest     StrategyStepType = "TEST"
	StepPush     StrategyStepType = "PUSH"
	StepCreatePR StrategyStepType = "CREATE_PR"
)

// StrategyStepStatus is the progress state of a strategy step.
type StrategyStepStatus string

const (
	StepPending StrategyStepStatus = "pending"
	StepRunning StrategyStepStatus = "running"
	StepDone    StrategyStepStatus = "done"
	StepFailed  StrategyStepStatus = "failed"
	StepSkipped StrategyStepStatus = "skipped"
)

// Task error codes recorded on failure.
const (
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRepoNotFound      = "REPO_NOT_FOUND"
	ErrCodePlanExitNonzero   = "PLAN_EXIT_NONZERO"
	ErrCodeExecExitNonzero   = "EXEC_EXIT_NONZERO"
	ErrCodeNoChanges         = "NO_CHANGES"
	ErrCodeGitPipelineFailed = "GIT_PIPELINE_FAILED"
	ErrCodeUnexpectedError   = "UNEXPECTED_ERROR"
	ErrCodeSchedulerCrash    = "SCHEDULER_CRASH"
	ErrCodeTaskNotFound      = "TASK_NOT_FOUND"
	ErrCodeInvalidStatus     = "INVALID_STATUS"
	ErrCodePlanResultMissing = "PLAN_RESULT_MISSING"
	ErrCodeUpdateFailed      = "UPDATE_FAILED"
)

// StrategyDecision records one orchestration choice and its reasoning.
type StrategyDecision struct {
	Key      string `json:"key"`
	Question string `json:"question"`
	Choice   string `json:"choice"`
	Reason   string `json:"reason"`
}

// StrategyStep is one step of an execution strategy.
type StrategyStep struct {
	Type   StrategyStepType   `json:"type"`
	Label  string             `json:"label"`
	Params map[string]any     `json:"params"`
	Skip   bool               `json:"skip"`
	Reason string             `json:"reason"`
	Status StrategyStepStatus `json:"status"`
}

// ExecStrategy describes how the execution phase of a task is carried out.
type ExecStrategy struct {
	Template  string             `json:"template"`
	Steps     []StrategyStep     `json:"steps"`
	Decisions []StrategyDecision `json:"decisions"`
	Rationale string             `json:"rationale"`
	RawText   string             `json:"raw_text"`
	Valid     bool               `json:"valid"`
}

// RepoConfig is a managed repository registered in the store.
type RepoConfig struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	RootPath              string   `json:"root_path"`
	MainBranch            string   `json:"main_branch"`
	TestCommand           string   `json:"test_command"`
	GitHubRepo            string   `json:"github_repo"`
	SharedSymlinkPaths    []string `json:"shared_symlink_paths"`
	ForbiddenSymlinkPaths []string `json:"forbidden_symlink_paths"`
	Enabled               bool     `json:"enabled"`
}

// DefaultSharedSymlinkPaths returns the symlink allow-list applied to newly
// discovered repos.
func DefaultSharedSymlinkPaths() []string {
	return []string{"data/dev-tasks.json", "data/dev-task.lock", "data/api-key.json"}
}

// DefaultForbiddenSymlinkPaths returns the symlink deny-list applied to
// newly discovered repos.
func DefaultForbiddenSymlinkPaths() []string {
	return []string{"PROGRESS.md"}
}

// PlanQuestionOption is one selectable answer to a plan question.
type PlanQuestionOption struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// PlanQuestion is an open decision surfaced by the planning phase.
type PlanQuestion struct {
	ID                   string               `json:"id"`
	Title                string               `json:"title"`
	Question             string               `json:"question"`
	Options              []PlanQuestionOption `json:"options"`
	RecommendedOptionKey *string              `json:"recommended_option_key"`
}

// PlanResult is the parsed outcome of a planning run. When the agent output
// contained no parseable JSON object, ValidJSON is false and RawText holds
// the collected text.
type PlanResult struct {
	Summary           string         `json:"summary"`
	Questions         []PlanQuestion `json:"questions"`
	RecommendedPrompt string         `json:"recommended_prompt"`
	RawText           string         `json:"raw_text"`
	ValidJSON         bool           `json:"valid_json"`
	Steps             []string       `json:"steps"`
	Risks             []string       `json:"risks"`
	Validation        string         `json:"validation"`
	Rollback          string         `json:"rollback"`
	AffectedFiles     []string       `json:"affected_files"`
	NewDependencies   []string       `json:"new_dependencies"`
	EstimatedTime     string         `json:"estimated_time"`
}

// Task is one unit of agent work against a repo.
type Task struct {
	ID              string            `json:"id"`
	RepoID          string            `json:"repo_id"`
	Title           string            `json:"title"`
	Prompt          string            `json:"prompt"`
	Mode            TaskMode          `json:"mode"`
	Status          TaskStatus        `json:"status"`
	PermissionMode  PermissionMode    `json:"permission_mode"`
	Priority        int               `json:"priority"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
	CurrentRunID    *string           `json:"current_run_id"`
	ClaudeSessionID *string           `json:"claude_session_id"`
	PlanResult      *PlanResult       `json:"plan_result"`
	PlanAnswers     map[string]string `json:"plan_answers"`
	ExecStrategy    *ExecStrategy     `json:"exec_strategy"`
	PRURL           string            `json:"pr_url"`
	ErrorCode       string            `json:"error_code"`
	ErrorMessage    string            `json:"error_message"`
	CancelRequested bool              `json:"cancel_requested"`

	// WorkerID records which worker claimed the task. Internal metadata,
	// not part of any request type.
	WorkerID string `json:"worker_id,omitempty"`
}

// TaskRun is one attempt at executing a task.
type TaskRun struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	WorkerID     string         `json:"worker_id"`
	Attempt      int            `json:"attempt"`
	StartedAt    string         `json:"started_at"`
	EndedAt      *string        `json:"ended_at"`
	ExitCode     *int           `json:"exit_code"`
	WorktreePath string         `json:"worktree_path"`
	BranchName   string         `json:"branch_name"`
	CommitSHA    string         `json:"commit_sha"`
	ToolEnvUsed  string         `json:"python_env_used"`
	Metrics      map[string]any `json:"metrics"`
}

// Notification types.
const (
	NotifyInfo    = "INFO"
	NotifySuccess = "SUCCESS"
	NotifyError   = "ERROR"
)

// Notification is a user-facing message attached to a task.
type Notification struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
	Read      bool   `json:"read"`
}

// NowISO returns the current UTC time in RFC 3339 form. All persisted
// timestamps use this format so lexical order is chronological order.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
