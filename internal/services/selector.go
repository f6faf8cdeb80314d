package services

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/quizwire/trivia-gateway/internal/model"
)

// ErrNoQuestions means the question table is empty. That is a
// configuration fault: the cycle aborts instead of silently skipping.
var ErrNoQuestions = errors.New("question set is empty")

// QuestionSelector picks one question uniformly at random per user.
// Stateless between picks; repeats across users and cycles are fine.
type QuestionSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewQuestionSelector() *QuestionSelector {
	return &QuestionSelector{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *QuestionSelector) Pick(questions []model.Question) (model.Question, error) {
	if len(questions) == 0 {
		return model.Question{}, ErrNoQuestions
	}

	s.mu.Lock()
	i := s.rng.Intn(len(questions))
	s.mu.Unlock()

	return questions[i], nil
}
