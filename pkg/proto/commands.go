package proto

import "fmt"

// CommandKind names the transport-neutral command schema consumed by the
// dispatcher.
type CommandKind string

const (
	CmdUserRequest             CommandKind = "user_request"
	CmdUserQuestionAnswered    CommandKind = "user_question_answered"
	CmdUserApprovalDecided     CommandKind = "user_approval_decided"
	CmdUserPlanApprovalDecided CommandKind = "user_plan_approval_decided"
)

// Command is one inbound instruction from a connected client.
type Command interface {
	Kind() CommandKind
	Session() string
	Request() string
	Validate() error
}

// UserRequest carries a free-text user message starting (or interrupting) a turn.
type UserRequest struct {
	SessionID string            `json:"session_id"`
	RequestID string            `json:"request_id"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (c *UserRequest) Kind() CommandKind { return CmdUserRequest }
func (c *UserRequest) Session() string   { return c.SessionID }
func (c *UserRequest) Request() string   { return c.RequestID }

func (c *UserRequest) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if c.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if c.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// UserQuestionAnswered resolves a pending question gate.
type UserQuestionAnswered struct {
	SessionID  string `json:"session_id"`
	RequestID  string `json:"request_id"`
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

func (c *UserQuestionAnswered) Kind() CommandKind { return CmdUserQuestionAnswered }
func (c *UserQuestionAnswered) Session() string   { return c.SessionID }
func (c *UserQuestionAnswered) Request() string   { return c.RequestID }

func (c *UserQuestionAnswered) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if c.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if c.QuestionID == "" {
		return fmt.Errorf("question_id is required")
	}
	return nil
}

// UserApprovalDecided resolves a pending approval gate.
type UserApprovalDecided struct {
	SessionID  string `json:"session_id"`
	RequestID  string `json:"request_id"`
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
}

func (c *UserApprovalDecided) Kind() CommandKind { return CmdUserApprovalDecided }
func (c *UserApprovalDecided) Session() string   { return c.SessionID }
func (c *UserApprovalDecided) Request() string   { return c.RequestID }

func (c *UserApprovalDecided) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if c.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if c.ApprovalID == "" {
		return fmt.Errorf("approval_id is required")
	}
	return nil
}

// UserPlanApprovalDecided resolves a pending plan approval gate, optionally
// with a rejection reason fed back to the planning agent.
type UserPlanApprovalDecided struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	PlanID    string `json:"plan_id"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

func (c *UserPlanApprovalDecided) Kind() CommandKind { return CmdUserPlanApprovalDecided }
func (c *UserPlanApprovalDecided) Session() string   { return c.SessionID }
func (c *UserPlanApprovalDecided) Request() string   { return c.RequestID }

func (c *UserPlanApprovalDecided) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if c.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if c.PlanID == "" {
		return fmt.Errorf("plan_id is required")
	}
	return nil
}
