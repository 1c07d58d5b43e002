package domain

// Flow pipeline stages, in order.
const (
	StageGoalDecomposition     = "GOAL_DECOMPOSITION"
	StageTaskGeneration        = "TASK_GENERATION"
	StageTaskExecution         = "TASK_EXECUTION"
	StageQualityValidation     = "QUALITY_VALIDATION"
	StageAssetCreation         = "ASSET_CREATION"
	StageDeliverableGeneration = "DELIVERABLE_GENERATION"
	StageCompleted             = "COMPLETED"
)

// Stages lists the pipeline stages in execution order.
var Stages = []string{
	StageGoalDecomposition,
	StageTaskGeneration,
	StageTaskExecution,
	StageQualityValidation,
	StageAssetCreation,
	StageDeliverableGeneration,
	StageCompleted,
}

type Goal struct {
	ID           string  `json:"id"`
	WorkspaceID  string  `json:"workspace_id"`
	Description  string  `json:"description,omitempty"`
	MetricType   string  `json:"metric_type" enum:"count,business_value"`
	TargetValue  float64 `json:"target_value"`
	CurrentValue float64 `json:"current_value"`
	Status       string  `json:"status" enum:"active,completed,paused,cancelled"`
	Priority     int     `json:"priority"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}

type Task struct {
	ID                   string   `json:"id"`
	WorkspaceID          string   `json:"workspace_id"`
	GoalID               *string  `json:"goal_id,omitempty"`
	Title                string   `json:"title"`
	Description          string   `json:"description,omitempty"`
	Status               string   `json:"status" enum:"pending,in_progress,completed,failed,canceled,timed_out"`
	Priority             int      `json:"priority"`
	IsCorrective         bool     `json:"is_corrective"`
	DelegationDepth      int      `json:"delegation_depth"`
	ContributionExpected float64  `json:"contribution_expected"`
	RetryCount           int      `json:"retry_count"`
	MaxRetries           int      `json:"max_retries"`
	AgentRef             string   `json:"agent_ref,omitempty"`
	OutputShape          []string `json:"output_shape,omitempty"`
	DependsOn            []string `json:"depends_on,omitempty"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
	UpdatedAt            string   `json:"updated_at" format:"date-time"`
	CompletedAt          *string  `json:"completed_at,omitempty" format:"date-time"`
}

// TaskDependency is one edge of the dependency graph: TaskID waits on DependsOnTaskID.
type TaskDependency struct {
	TaskID          string `json:"task_id"`
	DependsOnTaskID string `json:"depends_on_task_id"`
}

// TaskExecution is one attempt at running a task. Rows are append-only: after
// CompletedAt is set the row is never mutated again.
type TaskExecution struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	AgentRef      string  `json:"agent_ref"`
	Status        string  `json:"status" enum:"started,completed,failed_retriable,failed_terminal"`
	StartedAt     string  `json:"started_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
	ResultPayload *string `json:"result_payload,omitempty"`
	ErrorKind     *string `json:"error_kind,omitempty"`
	ErrorMessage  *string `json:"error_message,omitempty"`
	RetryCount    int     `json:"retry_count"`
}

type Deliverable struct {
	ID                 string  `json:"id"`
	WorkspaceID        string  `json:"workspace_id"`
	GoalID             *string `json:"goal_id,omitempty"`
	TaskID             *string `json:"task_id,omitempty"`
	ExecutionID        string  `json:"execution_id"`
	Title              string  `json:"title"`
	Status             string  `json:"status" enum:"pending,completed,rejected"`
	Content            string  `json:"content,omitempty"`
	BusinessValueScore float64 `json:"business_value_score"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type OrchestrationFlow struct {
	ID                 string   `json:"id"`
	WorkspaceID        string   `json:"workspace_id"`
	GoalID             string   `json:"goal_id"`
	CurrentStage       string   `json:"current_stage"`
	StagesCompleted    []string `json:"stages_completed"`
	ProgressPercentage float64  `json:"progress_percentage"`
	Status             string   `json:"status" enum:"active,paused,completed,failed,cancelled"`
	FailureReason      *string  `json:"failure_reason,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

// IntegrationEvent is the only cross-component message. ID doubles as the
// sequence number; dispatch order is (priority desc, id asc).
type IntegrationEvent struct {
	ID              int64   `json:"id"`
	FlowID          *string `json:"flow_id,omitempty"`
	EventType       string  `json:"event_type"`
	SourceComponent string  `json:"source_component"`
	TargetComponent string  `json:"target_component"`
	Status          string  `json:"status" enum:"pending,processing,completed,failed"`
	Priority        int     `json:"priority"`
	RetryCount      int     `json:"retry_count"`
	PayloadJSON     string  `json:"payload_json"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type ComponentHealth struct {
	ComponentName string `json:"component_name"`
	Status        string `json:"status"`
	LastHeartbeat string `json:"last_heartbeat" format:"date-time"`
}

// RecoveryState persists the per-task recovery state machine so a restart
// resumes recovery instead of losing in-memory continuation state.
type RecoveryState struct {
	TaskID        string   `json:"task_id"`
	State         string   `json:"state" enum:"detected,retrying,resolved,escalated_to_human"`
	StrategyIndex int      `json:"strategy_index"`
	Attempted     []string `json:"attempted"`
	NextAttemptAt *string  `json:"next_attempt_at,omitempty" format:"date-time"`
	Reason        string   `json:"reason,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}
