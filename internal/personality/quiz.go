// Package personality scores the multiple-choice personality quiz.
package personality

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pliu/heartline/internal/models"
)

type Trait string

const (
	Extraversion Trait = "extraversion"
	Sensing      Trait = "sensing"
	Thinking     Trait = "thinking"
	Judging      Trait = "judging"
)

// Traits lists the four axes in display order.
var Traits = []Trait{Extraversion, Sensing, Thinking, Judging}

var (
	ErrUnknownQuestion = errors.New("unknown question")
	ErrUnknownOption   = errors.New("unknown option")
	ErrIncomplete      = errors.New("quiz is not complete")
)

type Option struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Score int    `json:"score"`
}

type Question struct {
	ID       int      `json:"id"`
	Text     string   `json:"text"`
	Category Trait    `json:"category"`
	Options  []Option `json:"options"`
}

type Bank []Question

func (b Bank) question(id int) (*Question, bool) {
	for i := range b {
		if b[i].ID == id {
			return &b[i], true
		}
	}
	return nil, false
}

func (q *Question) option(id string) (*Option, bool) {
	for i := range q.Options {
		if q.Options[i].ID == id {
			return &q.Options[i], true
		}
	}
	return nil, false
}

// DefaultBank is the four-question quiz shown to users.
func DefaultBank() Bank {
	return Bank{
		{
			ID:       1,
			Text:     "At social gatherings you tend to:",
			Category: Extraversion,
			Options: []Option{
				{ID: "a", Text: "Join in every activity and conversation", Score: 10},
				{ID: "b", Text: "Talk in depth with a few people", Score: 5},
				{ID: "c", Text: "Keep social interaction to a minimum", Score: 0},
			},
		},
		{
			ID:       2,
			Text:     "When facing a problem you prefer to:",
			Category: Sensing,
			Options: []Option{
				{ID: "a", Text: "Focus on concrete details and facts", Score: 0},
				{ID: "b", Text: "Look for the theory and patterns behind it", Score: 5},
				{ID: "c", Text: "Rely on intuition and imagination", Score: 10},
			},
		},
		{
			ID:       3,
			Text:     "When making decisions you value:",
			Category: Thinking,
			Options: []Option{
				{ID: "a", Text: "Logic and analysis", Score: 0},
				{ID: "b", Text: "How the decision affects people", Score: 5},
				{ID: "c", Text: "Personal values and feelings", Score: 10},
			},
		},
		{
			ID:       4,
			Text:     "You prefer a life that is:",
			Category: Judging,
			Options: []Option{
				{ID: "a", Text: "Clearly planned and scheduled", Score: 0},
				{ID: "b", Text: "Planned but flexible", Score: 5},
				{ID: "c", Text: "Spontaneous and open", Score: 10},
			},
		},
	}
}

// Scores holds the raw accumulated total per trait.
type Scores map[Trait]int

func newScores() Scores {
	s := make(Scores, len(Traits))
	for _, t := range Traits {
		s[t] = 0
	}
	return s
}

// Percent maps a single-question trait total onto a 0..100 bar width.
func Percent(score int) int {
	p := score * 10
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Score totals the chosen option of every answered question in the bank.
// Unanswered questions and unknown option ids contribute nothing.
func Score(answers map[int]string, bank Bank) Scores {
	scores := newScores()
	for _, q := range bank {
		optionID, ok := answers[q.ID]
		if !ok {
			continue
		}
		if opt, ok := q.option(optionID); ok {
			scores[q.Category] += opt.Score
		}
	}
	return scores
}

// Result converts scores to the persisted shape.
func (s Scores) Result(userID string) *models.PersonalityResult {
	return &models.PersonalityResult{
		UserID:       userID,
		Extraversion: s[Extraversion],
		Sensing:      s[Sensing],
		Thinking:     s[Thinking],
		Judging:      s[Judging],
	}
}

// Saver persists finalized totals.
type Saver interface {
	SavePersonalityResult(ctx context.Context, result *models.PersonalityResult) error
}

// Session is one run through the quiz. Answering a question again replaces
// the earlier choice.
type Session struct {
	mu      sync.Mutex
	bank    Bank
	answers map[int]string
	scores  Scores
}

func NewSession(bank Bank) *Session {
	return &Session{
		bank:    bank,
		answers: make(map[int]string),
		scores:  newScores(),
	}
}

// Answer records optionID for questionID.
func (s *Session) Answer(questionID int, optionID string) error {
	q, ok := s.bank.question(questionID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownQuestion, questionID)
	}
	opt, ok := q.option(optionID)
	if !ok {
		return fmt.Errorf("%w: %q for question %d", ErrUnknownOption, optionID, questionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prevID, answered := s.answers[questionID]; answered {
		if prev, ok := q.option(prevID); ok {
			s.scores[q.Category] -= prev.Score
		}
	}
	s.answers[questionID] = optionID
	s.scores[q.Category] += opt.Score
	return nil
}

// Next returns the first unanswered question, or false when every question
// has an answer.
func (s *Session) Next() (Question, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.bank {
		if _, ok := s.answers[q.ID]; !ok {
			return q, true
		}
	}
	return Question{}, false
}

func (s *Session) Complete() bool {
	_, pending := s.Next()
	return !pending
}

// Scores returns a copy of the running totals.
func (s *Session) Scores() Scores {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Scores, len(s.scores))
	for k, v := range s.scores {
		out[k] = v
	}
	return out
}

// Finalize hands the totals to saver once every question is answered.
func (s *Session) Finalize(ctx context.Context, saver Saver, userID string) (*models.PersonalityResult, error) {
	if !s.Complete() {
		return nil, ErrIncomplete
	}
	result := s.Scores().Result(userID)
	if err := saver.SavePersonalityResult(ctx, result); err != nil {
		return nil, fmt.Errorf("save personality result: %w", err)
	}
	return result, nil
}
