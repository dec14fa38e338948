// Package recurrence compares a dream with the user's recent history and
// explains the themes they share.
package recurrence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"dream-journal/internal/domain"
)

const (
	// HistoryLimit is how many prior dreams feed the context and matching.
	HistoryLimit = 8

	// ExploratoryThreshold is the default similarity bar.
	ExploratoryThreshold = 0.3
	// DetailThreshold is the lower bar used when a single dream is viewed.
	DetailThreshold = 0.2

	maxMatches        = 3
	maxPatterns       = 5
	maxThemes         = 6
	maxEmotions       = 4
	maxRecentTitles   = 5
	maxNamedPatterns  = 3
	minRecurrence     = 2
	shortDateLayout   = "Jan 2"
	significanceLine  = "Recurring elements in dreams often point to feelings or situations your subconscious keeps returning to, and noticing them can help you understand what they mean for you."
	developingThemes  = "This dream shares some developing themes with your previous dreams. As you record more dreams, clearer patterns may emerge."
	interpretationFmt = "This dream connects with %d of your previous dreams through %s. "
)

// HistoryReader lists a user's dreams, most recent first.
type HistoryReader interface {
	ListRecentByUser(ctx context.Context, userID string, limit int, excludeID string) ([]domain.DreamSummary, error)
}

// PreviousDreamsContext primes the model with the user's recent history.
// CompactSummary is empty when there is no history.
type PreviousDreamsContext struct {
	DreamCount     int
	Summaries      []domain.DreamSummary
	CompactSummary string
}

// Match is a prior dream that shares enough symbols with the current one.
type Match struct {
	Dream       domain.DreamSummary
	Similarity  float64
	Connections []string
}

type Matcher struct {
	history HistoryReader
	logger  *slog.Logger
}

func NewMatcher(history HistoryReader, logger *slog.Logger) (*Matcher, error) {
	if history == nil {
		return nil, errors.New("recurrence: history reader must not be nil")
	}
	if logger == nil {
		return nil, errors.New("recurrence: logger must not be nil")
	}
	return &Matcher{history: history, logger: logger}, nil
}

// GetPreviousDreamsContext never fails: a history error yields an empty
// context, since recurrence only enriches the analysis.
func (m *Matcher) GetPreviousDreamsContext(ctx context.Context, userID, excludeID string) PreviousDreamsContext {
	dreams, err := m.history.ListRecentByUser(ctx, userID, HistoryLimit, excludeID)
	if err != nil {
		m.logger.WarnContext(ctx, "previous dreams unavailable", "user_id", userID, "err", err)
		return PreviousDreamsContext{Summaries: []domain.DreamSummary{}}
	}
	if len(dreams) > HistoryLimit {
		dreams = dreams[:HistoryLimit]
	}
	m.logger.DebugContext(ctx, "previous dreams loaded", "user_id", userID, "count", len(dreams))
	return PreviousDreamsContext{
		DreamCount:     len(dreams),
		Summaries:      dreams,
		CompactSummary: CompactSummary(dreams),
	}
}

// GenerateRecurringAnalysisForDream returns nil when the dream has no
// history or nothing in it is similar enough.
func (m *Matcher) GenerateRecurringAnalysisForDream(ctx context.Context, dream domain.Dream, userID string) *domain.RecurringDreamAnalysis {
	prev := m.GetPreviousDreamsContext(ctx, userID, dream.ID)
	if prev.DreamCount == 0 {
		return nil
	}
	matches := FindSimilarDreams(dream.Keywords, dream.Emotions, prev.Summaries, DetailThreshold)
	if len(matches) == 0 {
		return nil
	}

	keywords := newTally()
	emotions := newTally()
	for _, k := range dream.Keywords {
		keywords.add(k)
	}
	for _, e := range dream.Emotions {
		emotions.add(NormalizeEmotion(e))
	}
	connected := make([]domain.ConnectedDream, 0, len(matches))
	for _, match := range matches {
		for _, k := range match.Dream.Keywords {
			keywords.add(k)
		}
		for _, e := range match.Dream.Emotions {
			emotions.add(NormalizeEmotion(e))
		}
		connected = append(connected, domain.ConnectedDream{
			ID:         match.Dream.ID,
			Title:      match.Dream.Title,
			Date:       match.Dream.CreatedAt.UTC().Format(shortDateLayout),
			Connection: strings.Join(match.Connections, ", "),
		})
	}

	patterns := make([]string, 0, maxPatterns)
	for _, k := range keywords.recurring(maxPatterns) {
		patterns = append(patterns, fmt.Sprintf("recurring %s theme", k))
	}
	for _, e := range emotions.recurring(maxPatterns - len(patterns)) {
		patterns = append(patterns, fmt.Sprintf("repeated %s feelings", e))
	}

	return &domain.RecurringDreamAnalysis{
		HasConnections:  true,
		ConnectedDreams: connected,
		Patterns:        patterns,
		Interpretation:  interpretation(patterns, len(connected)),
	}
}

// FindSimilarDreams scores each candidate by the share of the current
// dream's keywords and emotions it contains and returns the best three.
// Candidates with no connection are dropped even at threshold zero.
func FindSimilarDreams(keywords, emotions []string, candidates []domain.DreamSummary, threshold float64) []Match {
	fold := cases.Fold()
	currentKeywords := make([]string, len(keywords))
	for i, k := range keywords {
		currentKeywords[i] = fold.String(k)
	}
	currentEmotions := make([]string, len(emotions))
	for i, e := range emotions {
		currentEmotions[i] = NormalizeEmotion(e)
	}

	var matches []Match
	for _, dream := range candidates {
		var connections []string
		total := 0

		// A dimension the candidate has no data for is not compared. Stored
		// dreams always carry both (3 emotions, at least 4 keywords), so for
		// them the denominator is the current dream's full symbol count.
		if len(dream.Keywords) > 0 {
			total += len(currentKeywords)
			theirs := make(map[string]struct{}, len(dream.Keywords))
			for _, k := range dream.Keywords {
				theirs[fold.String(k)] = struct{}{}
			}
			for i, k := range currentKeywords {
				if _, ok := theirs[k]; ok {
					connections = append(connections, "keyword: "+keywords[i])
				}
			}
		}
		if len(dream.Emotions) > 0 {
			total += len(currentEmotions)
			theirs := make(map[string]struct{}, len(dream.Emotions))
			for _, e := range dream.Emotions {
				theirs[NormalizeEmotion(e)] = struct{}{}
			}
			for _, e := range currentEmotions {
				if _, ok := theirs[e]; ok {
					connections = append(connections, "emotion: "+e)
				}
			}
		}

		if total == 0 || len(connections) == 0 {
			continue
		}
		similarity := float64(len(connections)) / float64(total)
		if similarity < threshold {
			continue
		}
		matches = append(matches, Match{Dream: dream, Similarity: similarity, Connections: connections})
	}

	slices.SortStableFunc(matches, func(a, b Match) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})
	if len(matches) > maxMatches {
		matches = matches[:maxMatches]
	}
	return matches
}

// CompactSummary renders the history digest embedded in the analysis
// prompt. Keywords and emotions count once per dream.
func CompactSummary(dreams []domain.DreamSummary) string {
	if len(dreams) == 0 {
		return ""
	}

	keywords := newTally()
	emotions := newTally()
	for _, d := range dreams {
		keywords.addOncePer(d.Keywords)
		normalized := make([]string, len(d.Emotions))
		for i, e := range d.Emotions {
			normalized[i] = NormalizeEmotion(e)
		}
		emotions.addOncePer(normalized)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Previous dreams context (%d dreams):", len(dreams))
	if themes := keywords.recurring(maxThemes); len(themes) > 0 {
		fmt.Fprintf(&b, "\nRecurring themes: %s.", strings.Join(themes, ", "))
	}
	if common := emotions.recurring(maxEmotions); len(common) > 0 {
		fmt.Fprintf(&b, "\nCommon emotions: %s.", strings.Join(common, ", "))
	}
	recent := dreams[:min(len(dreams), maxRecentTitles)]
	titles := make([]string, len(recent))
	for i, d := range recent {
		titles[i] = fmt.Sprintf("\"%s\" (%s)", d.Title, d.CreatedAt.UTC().Format(shortDateLayout))
	}
	fmt.Fprintf(&b, "\nRecent dreams: %s.", strings.Join(titles, ", "))
	return b.String()
}

var nonWord = regexp.MustCompile(`[^\w\s]`)

// NormalizeEmotion strips the emoji marker and punctuation from an emotion
// label and lower-cases it: "😨 Fear" becomes "fear".
func NormalizeEmotion(emotion string) string {
	return strings.ToLower(strings.TrimSpace(nonWord.ReplaceAllString(emotion, "")))
}

func interpretation(patterns []string, dreams int) string {
	if len(patterns) == 0 {
		return developingThemes
	}
	named := patterns[:min(len(patterns), maxNamedPatterns)]
	return fmt.Sprintf(interpretationFmt, dreams, strings.Join(named, ", ")) + significanceLine
}

// tally counts case-folded terms and remembers the first spelling seen.
type tally struct {
	fold   cases.Caser
	counts map[string]int
	label  map[string]string
	order  []string
}

func newTally() *tally {
	return &tally{
		fold:   cases.Fold(),
		counts: make(map[string]int),
		label:  make(map[string]string),
	}
}

func (t *tally) add(term string) {
	if strings.TrimSpace(term) == "" {
		return
	}
	key := t.fold.String(term)
	if _, ok := t.counts[key]; !ok {
		t.order = append(t.order, key)
		t.label[key] = term
	}
	t.counts[key]++
}

func (t *tally) addOncePer(terms []string) {
	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		key := t.fold.String(term)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		t.add(term)
	}
}

// recurring returns up to n terms seen at least twice, most frequent first,
// ties in first-seen order.
func (t *tally) recurring(n int) []string {
	if n <= 0 {
		return nil
	}
	keys := make([]string, 0, len(t.order))
	for _, key := range t.order {
		if t.counts[key] >= minRecurrence {
			keys = append(keys, key)
		}
	}
	slices.SortStableFunc(keys, func(a, b string) int {
		return t.counts[b] - t.counts[a]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = t.label[key]
	}
	return out
}
