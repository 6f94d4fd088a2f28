// services/question_generator.go - Arithmetic question generation
package services

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"quizroom/models"
)

// QuestionGenerator produces the question for one sequence number of a room.
type QuestionGenerator interface {
	Generate(roomID string, sequence int, timeLimit time.Duration) (*models.Question, error)
}

// Operand ranges per operation
const (
	addMax      = 50
	subtractMax = 50
	factorMax   = 12
	offsetMax   = 10
)

// ArithmeticGenerator draws uniformly from the four operations
type ArithmeticGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewArithmeticGenerator creates a generator; equal seeds give equal question streams
func NewArithmeticGenerator(seed uint64) *ArithmeticGenerator {
	return &ArithmeticGenerator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (g *ArithmeticGenerator) Generate(roomID string, sequence int, timeLimit time.Duration) (*models.Question, error) {
	if sequence < 1 {
		return nil, invalid("sequence %d must start at 1", sequence)
	}
	if timeLimit <= 0 {
		return nil, invalid("time limit must be positive")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	op := models.Operations[g.rng.IntN(len(models.Operations))]
	a, b := g.operands(op)
	correct, _ := op.Apply(a, b)

	return &models.Question{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		Sequence:      sequence,
		OperandA:      a,
		OperandB:      b,
		Operation:     op,
		CorrectAnswer: correct,
		Options:       g.options(correct),
		TimeLimitMs:   timeLimit.Milliseconds(),
	}, nil
}

// between returns a uniform int in [lo, hi]
func (g *ArithmeticGenerator) between(lo, hi int) int {
	return lo + g.rng.IntN(hi-lo+1)
}

func (g *ArithmeticGenerator) operands(op models.Operation) (int, int) {
	switch op {
	case models.OpSubtract:
		// minuend strictly larger so the answer stays positive
		a := g.between(2, subtractMax)
		return a, g.between(1, a-1)
	case models.OpMultiply:
		return g.between(1, factorMax), g.between(1, factorMax)
	case models.OpDivide:
		divisor := g.between(1, factorMax)
		return divisor * g.between(1, factorMax), divisor
	default:
		return g.between(1, addMax), g.between(1, addMax)
	}
}

// options returns the correct answer plus three distinct positive distractors, shuffled
func (g *ArithmeticGenerator) options(correct int) []int {
	opts := []int{correct}
	seen := map[int]bool{correct: true}
	for len(opts) < models.OptionCount {
		offset := g.between(1, offsetMax)
		if g.rng.IntN(2) == 0 {
			offset = -offset
		}
		candidate := correct + offset
		if candidate <= 0 || seen[candidate] {
			continue
		}
		seen[candidate] = true
		opts = append(opts, candidate)
	}
	g.rng.Shuffle(len(opts), func(i, j int) { opts[i], opts[j] = opts[j], opts[i] })
	return opts
}
