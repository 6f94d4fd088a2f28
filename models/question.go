package models

import (
	"fmt"
	"time"
)

// Operation is the arithmetic operator of a question.
type Operation string

const (
	OpAdd      Operation = "add"
	OpSubtract Operation = "subtract"
	OpMultiply Operation = "multiply"
	OpDivide   Operation = "divide"
)

// Operations lists every operation, in the order the generator draws from.
var Operations = []Operation{OpAdd, OpSubtract, OpMultiply, OpDivide}

// Symbol returns the operator as shown to players.
func (o Operation) Symbol() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSubtract:
		return "-"
	case OpMultiply:
		return "×"
	case OpDivide:
		return "÷"
	}
	return "?"
}

// Apply evaluates a op b. Division by zero yields ok=false.
func (o Operation) Apply(a, b int) (result int, ok bool) {
	switch o {
	case OpAdd:
		return a + b, true
	case OpSubtract:
		return a - b, true
	case OpMultiply:
		return a * b, true
	case OpDivide:
		if b == 0 || a%b != 0 {
			return 0, false
		}
		return a / b, true
	}
	return 0, false
}

// OptionCount is the number of candidate answers on every question.
const OptionCount = 4

// TimeoutAnswer is the sentinel value recorded for a player who let the timer expire.
// Options are always positive, so it can never be correct.
const TimeoutAnswer = -1

// Question is one round of a room
type Question struct {
	ID            string    `json:"id" gorm:"primaryKey;size:36"`
	RoomID        string    `json:"room_id" gorm:"not null;size:36;uniqueIndex:idx_questions_room_seq"`
	Sequence      int       `json:"sequence" gorm:"not null;uniqueIndex:idx_questions_room_seq"`
	OperandA      int       `json:"operand_a" gorm:"not null"`
	OperandB      int       `json:"operand_b" gorm:"not null"`
	Operation     Operation `json:"operation" gorm:"not null;size:20"`
	CorrectAnswer int       `json:"correct_answer" gorm:"not null"`
	Options       []int     `json:"options" gorm:"serializer:json;type:text;not null"`
	TimeLimitMs   int64     `json:"time_limit_ms" gorm:"not null"`
	CreatedAt     time.Time `json:"created_at" gorm:"index"`
}

// Answer is one player's response to one question
type Answer struct {
	ID         string    `json:"id" gorm:"primaryKey;size:36"`
	RoomID     string    `json:"room_id" gorm:"not null;size:36;index"`
	QuestionID string    `json:"question_id" gorm:"not null;size:36;uniqueIndex:idx_answers_question_user"`
	UserID     string    `json:"user_id" gorm:"not null;size:100;uniqueIndex:idx_answers_question_user"`
	Selected   int       `json:"selected" gorm:"not null"`
	Correct    bool      `json:"correct" gorm:"not null"`
	LatencyMs  int64     `json:"latency_ms" gorm:"not null;default:0"`
	TimedOut   bool      `json:"timed_out" gorm:"default:false"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

func (Question) TableName() string {
	return "questions"
}

func (Answer) TableName() string {
	return "answers"
}

// Text renders the prompt, e.g. "12 × 7".
func (q *Question) Text() string {
	return fmt.Sprintf("%d %s %d", q.OperandA, q.Operation.Symbol(), q.OperandB)
}

// Deadline is the instant the question stops accepting answers.
func (q *Question) Deadline() time.Time {
	return q.CreatedAt.Add(time.Duration(q.TimeLimitMs) * time.Millisecond)
}

// IsCorrect grades a selected value.
func (q *Question) IsCorrect(selected int) bool {
	return selected == q.CorrectAnswer
}

// Validate checks the question is internally consistent.
func (q *Question) Validate() error {
	var problems []string
	if q.ID == "" {
		problems = append(problems, "id is required")
	}
	if q.RoomID == "" {
		problems = append(problems, "room_id is required")
	}
	if q.Sequence < 1 {
		problems = append(problems, "sequence must start at 1")
	}
	if q.TimeLimitMs <= 0 {
		problems = append(problems, "time_limit_ms must be positive")
	}
	if result, ok := q.Operation.Apply(q.OperandA, q.OperandB); !ok {
		problems = append(problems, fmt.Sprintf("operation %q not applicable to %d and %d", q.Operation, q.OperandA, q.OperandB))
	} else if result != q.CorrectAnswer {
		problems = append(problems, fmt.Sprintf("correct_answer %d does not match %s", q.CorrectAnswer, q.Text()))
	}
	if len(q.Options) != OptionCount {
		problems = append(problems, fmt.Sprintf("expected %d options, got %d", OptionCount, len(q.Options)))
	}
	seen := make(map[int]bool, len(q.Options))
	hasCorrect := false
	for _, o := range q.Options {
		if o <= 0 {
			problems = append(problems, fmt.Sprintf("option %d is not positive", o))
		}
		if seen[o] {
			problems = append(problems, fmt.Sprintf("option %d repeated", o))
		}
		seen[o] = true
		if o == q.CorrectAnswer {
			hasCorrect = true
		}
	}
	if !hasCorrect {
		problems = append(problems, "options do not include the correct answer")
	}
	return joinProblems("question", problems)
}

// Validate checks the answer references and sentinel consistency.
func (a *Answer) Validate() error {
	var problems []string
	if a.ID == "" {
		problems = append(problems, "id is required")
	}
	if a.RoomID == "" {
		problems = append(problems, "room_id is required")
	}
	if a.QuestionID == "" {
		problems = append(problems, "question_id is required")
	}
	if a.UserID == "" {
		problems = append(problems, "user_id is required")
	}
	if a.LatencyMs < 0 {
		problems = append(problems, "latency_ms must not be negative")
	}
	if a.TimedOut && (a.Correct || a.Selected != TimeoutAnswer) {
		problems = append(problems, "timed out answer must be the incorrect sentinel")
	}
	return joinProblems("answer", problems)
}
