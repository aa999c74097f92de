package storage

import "strings"

// Outcome records how a raw enum value was interpreted.
type Outcome int

const (
	// Matched means the raw text named a known value.
	Matched Outcome = iota
	// Defaulted means the raw text was empty and the default was used.
	Defaulted
	// Unknown means the raw text was not recognized and the default was used.
	Unknown
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Defaulted:
		return "defaulted"
	default:
		return "unknown"
	}
}

// Parsed is the result of parsing free-form text into a closed enum.
type Parsed[T ~string] struct {
	Value   T
	Outcome Outcome
	Raw     string
}

// OK reports whether the raw text named a known value.
func (p Parsed[T]) OK() bool { return p.Outcome == Matched }

func parseEnum[T ~string](raw string, known []T, def T) Parsed[T] {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	if norm == "" {
		return Parsed[T]{Value: def, Outcome: Defaulted, Raw: raw}
	}
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	for _, k := range known {
		if string(k) == norm {
			return Parsed[T]{Value: k, Outcome: Matched, Raw: raw}
		}
	}
	return Parsed[T]{Value: def, Outcome: Unknown, Raw: raw}
}

type PipelineStage string

const (
	StageNewLead          PipelineStage = "NEW_LEAD"
	StageContacted        PipelineStage = "CONTACTED"
	StageQualified        PipelineStage = "QUALIFIED"
	StageShowingScheduled PipelineStage = "SHOWING_SCHEDULED"
	StageActiveSearch     PipelineStage = "ACTIVE_SEARCH"
	StageOfferMade        PipelineStage = "OFFER_MADE"
	StageUnderContract    PipelineStage = "UNDER_CONTRACT"
	StageClosed           PipelineStage = "CLOSED"
	StageLost             PipelineStage = "LOST"
	StageNurture          PipelineStage = "NURTURE"
)

// PipelineStages lists every stage in funnel order.
var PipelineStages = []PipelineStage{
	StageNewLead, StageContacted, StageQualified, StageShowingScheduled, StageActiveSearch,
	StageOfferMade, StageUnderContract, StageClosed, StageLost, StageNurture,
}

// ParsePipelineStage maps model or user text to a stage, defaulting to NEW_LEAD.
func ParsePipelineStage(raw string) Parsed[PipelineStage] {
	return parseEnum(raw, PipelineStages, StageNewLead)
}

type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
)

// ParseDirection has no meaningful default; callers must check OK.
func ParseDirection(raw string) Parsed[Direction] {
	return parseEnum(raw, []Direction{DirectionIncoming, DirectionOutgoing}, "")
}

type TaskType string

const (
	TaskFollowUp             TaskType = "FOLLOW_UP"
	TaskSendDocuments        TaskType = "SEND_DOCUMENTS"
	TaskScheduleShowing      TaskType = "SCHEDULE_SHOWING"
	TaskPrepareComparables   TaskType = "PREPARE_COMPARABLES"
	TaskSubmitOffer          TaskType = "SUBMIT_OFFER"
	TaskReviewOffer          TaskType = "REVIEW_OFFER"
	TaskContractTask         TaskType = "CONTRACT_TASK"
	TaskAnswerClientQuestion TaskType = "ANSWER_CLIENT_QUESTION"
	TaskRequestInformation   TaskType = "REQUEST_INFORMATION"
	TaskGeneralTodo          TaskType = "GENERAL_TODO"
)

var TaskTypes = []TaskType{
	TaskFollowUp, TaskSendDocuments, TaskScheduleShowing, TaskPrepareComparables, TaskSubmitOffer,
	TaskReviewOffer, TaskContractTask, TaskAnswerClientQuestion, TaskRequestInformation, TaskGeneralTodo,
}

// ParseTaskType has no default: an empty or unknown type rejects the task.
func ParseTaskType(raw string) Parsed[TaskType] {
	return parseEnum(raw, TaskTypes, "")
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh}

func ParsePriority(raw string) Parsed[Priority] {
	return parseEnum(raw, Priorities, PriorityMedium)
}

// Rank orders priorities HIGH first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

type TaskStatus string

const (
	StatusOpen            TaskStatus = "OPEN"
	StatusWaitingOnClient TaskStatus = "WAITING_ON_CLIENT"
	StatusDone            TaskStatus = "DONE"
	StatusCanceled        TaskStatus = "CANCELED"
)

var TaskStatuses = []TaskStatus{StatusOpen, StatusWaitingOnClient, StatusDone, StatusCanceled}

func ParseTaskStatus(raw string) Parsed[TaskStatus] {
	return parseEnum(raw, TaskStatuses, StatusOpen)
}
