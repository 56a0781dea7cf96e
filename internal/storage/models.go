package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunTerminal is returned when a run that already completed or failed
	// is asked to change status again.
	ErrRunTerminal = errors.New("inference run already terminal")
)

type Phase string

const (
	PhaseNone          Phase = ""
	PhaseIntakeAnswers Phase = "intake_answers"
	PhaseNormal        Phase = "normal"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type PromptType string

const (
	PromptIntake    PromptType = "intake"
	PromptAggregate PromptType = "aggregate"
	PromptNormal    PromptType = "normal"
)

// IntakeStage tags intake messages so the intake context can be rebuilt.
type IntakeStage string

const (
	StageInitial           IntakeStage = "initial"
	StageFollowupAnswer    IntakeStage = "followup_answer"
	StageFollowupQuestions IntakeStage = "followup_questions"
)

const (
	SourceUser = "user"
	SourceLLM  = "llm"
)

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

const StrategyJudge = "judge"

type User struct {
	ID        string
	Token     string
	CreatedAt time.Time
}

// Vehicle is a user's car. Zero Year or Mileage means unknown.
type Vehicle struct {
	ID               string
	UserID           string
	Year             int
	Make             string
	Model            string
	Mileage          int
	EngineType       string
	TransmissionType string
	Drivetrain       string
	FuelType         string
	Replacements     []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// VehicleAttributes is a partial attribute update. Empty fields are left
// untouched.
type VehicleAttributes struct {
	EngineType       string
	TransmissionType string
	Drivetrain       string
	FuelType         string
}

// Empty reports whether the update would change nothing.
func (a VehicleAttributes) Empty() bool {
	return a == VehicleAttributes{}
}

type Conversation struct {
	ID               string
	UserID           string
	VehicleID        string
	Phase            Phase
	AwaitingResponse bool
	TokensReceived   int
	LatestMessageID  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ConversationUpdate is a field-level update. Nil fields are left untouched.
type ConversationUpdate struct {
	Phase            *Phase
	AwaitingResponse *bool
	TokensReceived   *int
	LatestMessageID  *string
}

type MessageMetadata struct {
	Model         string      `json:"model,omitempty"`
	IntakeStage   IntakeStage `json:"intake_stage,omitempty"`
	WinnerModel   string      `json:"winner_model,omitempty"`
	AggregationID string      `json:"aggregation_id,omitempty"`
}

// Message is immutable once created. Messages in a conversation are ordered
// by insertion.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	PromptType     PromptType
	Content        string
	Source         string
	Metadata       MessageMetadata
	CreatedAt      time.Time
}

// RunSnapshot is the context a fan-out engine was dispatched with.
type RunSnapshot struct {
	Car    SnapshotCar    `json:"car"`
	Intake SnapshotIntake `json:"intake"`
}

type SnapshotCar struct {
	Year    int    `json:"year,omitempty"`
	Make    string `json:"make,omitempty"`
	Model   string `json:"model,omitempty"`
	Mileage int    `json:"mileage,omitempty"`
}

type SnapshotIntake struct {
	Initial   string   `json:"initial"`
	Questions []string `json:"questions"`
	Answers   []string `json:"answers"`
}

// InferenceRun records one engine's attempt within a fan-out. InputSnapshot
// is written at creation and never updated.
type InferenceRun struct {
	ID             string
	ConversationID string
	MessageID      string
	Model          string
	Provider       string
	Status         RunStatus
	PromptType     PromptType
	InputSnapshot  RunSnapshot
	Output         string
	Error          string
	CreatedAt      time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
}

type Aggregation struct {
	ID             string
	ConversationID string
	MessageID      string
	RunIDs         []string
	CombinedOutput string
	WinnerModel    string // empty when no winner could be parsed
	Strategy       string
	CreatedAt      time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
