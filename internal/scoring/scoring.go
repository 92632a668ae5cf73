// Package scoring turns the answers to one question into majority groups and
// prediction awards. Everything here is pure and safe to call on snapshots
// from any goroutine.
package scoring

import (
	"sort"
	"strings"
	"unicode/utf8"

	"majority-vote-service/internal/domain"
)

// Result is the outcome of a scoring pass over one question.
type Result struct {
	Groups        []domain.AnswerGroup
	MajorityLabel string
	HasMajority   bool
	// Scored holds every non-late answer that was unscored on input, with
	// IsCorrectPrediction and PointsEarned filled in.
	Scored []domain.Answer
}

// Correct returns the scored answers that earned points.
func (r Result) Correct() []domain.Answer {
	out := make([]domain.Answer, 0, len(r.Scored))
	for _, a := range r.Scored {
		if a.IsCorrectPrediction {
			out = append(out, a)
		}
	}
	return out
}

type bucket struct {
	label   string
	rank    int
	members []string
}

// Canonical resolves the letter answers to their choice labels. Anything else
// is kept verbatim; free text is never normalized.
func Canonical(answer, choiceA, choiceB string) string {
	switch {
	case answer == "A" && choiceA != "":
		return choiceA
	case answer == "B" && choiceB != "":
		return choiceB
	}
	return answer
}

// Groups buckets answers by canonical value, most popular first. Ties keep the
// A bucket, then the B bucket, then free text in first-submission order.
func Groups(answers []domain.Answer, choiceA, choiceB string) []domain.AnswerGroup {
	if len(answers) == 0 {
		return nil
	}

	byLabel := make(map[string]*bucket)
	order := make([]*bucket, 0)
	for i, a := range answers {
		label := Canonical(a.Answer, choiceA, choiceB)
		b, ok := byLabel[label]
		if !ok {
			b = &bucket{label: label, rank: 2 + i}
			switch {
			case choiceA != "" && label == choiceA:
				b.rank = 0
			case choiceB != "" && label == choiceB:
				b.rank = 1
			}
			byLabel[label] = b
			order = append(order, b)
		}
		b.members = append(b.members, a.PlayerID)
	}

	sort.SliceStable(order, func(i, j int) bool {
		if len(order[i].members) != len(order[j].members) {
			return len(order[i].members) > len(order[j].members)
		}
		return order[i].rank < order[j].rank
	})

	maxCount := len(order[0].members)
	total := float64(len(answers))
	groups := make([]domain.AnswerGroup, 0, len(order))
	for _, b := range order {
		groups = append(groups, domain.AnswerGroup{
			CanonicalAnswer: b.label,
			Count:           len(b.members),
			Percentage:      float64(len(b.members)) / total * 100,
			MemberPlayerIDs: b.members,
			IsMajority:      len(b.members) == maxCount,
		})
	}
	return groups
}

// Majority returns the label used to judge predictions: the first majority
// group in display order.
func Majority(groups []domain.AnswerGroup) (string, bool) {
	for _, g := range groups {
		if g.IsMajority {
			return g.CanonicalAnswer, true
		}
	}
	return "", false
}

// IsCorrectPrediction applies the prediction rules against the majority label.
// The substring rule is deliberately permissive: "ca" matches "cats".
func IsCorrectPrediction(prediction, majority, choiceA, choiceB string) bool {
	if prediction == "" {
		return false
	}
	if prediction == majority {
		return true
	}
	if prediction == "A" {
		return choiceA != "" && majority == choiceA
	}
	if prediction == "B" {
		return choiceB != "" && majority == choiceB
	}
	return utf8.RuneCountInString(prediction) > 1 && strings.Contains(majority, prediction)
}

// Score runs the scoring pass. Late answers and answers already carrying an
// award are left untouched, so running it again on its own output is a no-op.
func Score(answers []domain.Answer, choiceA, choiceB string) Result {
	groups := Groups(answers, choiceA, choiceB)
	majority, ok := Majority(groups)
	res := Result{Groups: groups, MajorityLabel: majority, HasMajority: ok}
	if !ok {
		return res
	}

	for _, a := range answers {
		if a.IsLateAnswer || !a.Unscored() {
			continue
		}
		prediction := ""
		if a.Prediction != nil {
			prediction = *a.Prediction
		}
		if IsCorrectPrediction(prediction, majority, choiceA, choiceB) {
			a.IsCorrectPrediction = true
			a.PointsEarned = domain.PointsPerCorrectPrediction
		}
		res.Scored = append(res.Scored, a)
	}
	return res
}

// Totals recomputes every player's score as the sum of points over all their
// answers. Players without answers get zero; answers from unknown players are ignored.
func Totals(players []domain.Player, answers []domain.Answer) map[string]int {
	totals := make(map[string]int, len(players))
	for _, p := range players {
		totals[p.ID] = 0
	}
	for _, a := range answers {
		if _, ok := totals[a.PlayerID]; ok {
			totals[a.PlayerID] += a.PointsEarned
		}
	}
	return totals
}
