package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAnalysisPrompt_DescribesContract(t *testing.T) {
	content := buildAnalysisPrompt()
	require.Contains(t, content, "Role:")
	require.Contains(t, content, "dream interpretation expert")
	require.Contains(t, content, `"cultural_references"`)
	require.Contains(t, content, `"dall-e-prompt"`)
	require.Contains(t, content, "Output Contract:")
	require.Contains(t, content, `{"error": "invalid_dream"}`)
}

func TestBuildAnalysisMessages(t *testing.T) {
	msgs := buildAnalysisMessages("I was flying.", "  ")
	require.Len(t, msgs, 2)
	require.Equal(t, "I was flying.", msgs[1].Content)

	msgs = buildAnalysisMessages("I was flying.", "Previous dreams context (1 dreams):")
	require.Len(t, msgs, 3)
	require.Equal(t, "system", msgs[1].Role)
	require.True(t, strings.HasPrefix(msgs[1].Content, "Dream History:\nPrevious dreams context (1 dreams):"))
}

func TestParseDreamAnalysis_Valid(t *testing.T) {
	out, err := parseDreamAnalysis("\n" + validAnalysis + "\n")

	require.NoError(t, err)
	require.Equal(t, "The Endless Corridor", out.Title)
	require.Len(t, out.Emotions, 3)
	require.Len(t, out.Keywords, 4)
	require.Equal(t, "Thresholds mark passage between worlds.", out.CulturalReferences["Celtic 🍀"])
	require.Nil(t, out.Recurring)
}

func TestParseDreamAnalysis_TrimsFields(t *testing.T) {
	raw := strings.Replace(validAnalysis, `"The Endless Corridor"`, `"  The Endless Corridor  "`, 1)

	out, err := parseDreamAnalysis(raw)

	require.NoError(t, err)
	require.Equal(t, "The Endless Corridor", out.Title)
}

func TestParseDreamAnalysis_InvalidDream(t *testing.T) {
	_, err := parseDreamAnalysis(`{"error":"invalid_dream"}`)
	require.ErrorIs(t, err, errInvalidDream)

	_, err = parseDreamAnalysis(`{"error":"something_else"}`)
	require.Error(t, err)
	require.NotErrorIs(t, err, errInvalidDream)
}

func TestParseDreamAnalysis_Rejects(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want string
	}{
		"empty":         {raw: "  ", want: "empty response"},
		"not json":      {raw: "Here is your dream analysis!", want: "decode dream analysis"},
		"trailing":      {raw: validAnalysis + `{"title":"again"}`, want: "multiple JSON values"},
		"missing title": {raw: strings.Replace(validAnalysis, `"The Endless Corridor"`, `""`, 1), want: "title"},
		"two emotions":  {raw: strings.Replace(validAnalysis, `, "😕 confusion"`, "", 1), want: "emotions"},
		"three keywords": {
			raw:  strings.Replace(validAnalysis, `, "running"`, "", 1),
			want: "keywords",
		},
		"blank keyword": {
			raw:  strings.Replace(validAnalysis, `"running"`, `"  "`, 1),
			want: "keywords",
		},
		"one culture": {
			raw:  strings.Replace(validAnalysis, `"Celtic 🍀": "Thresholds mark passage between worlds.",`, "", 1),
			want: "cultural_references",
		},
		"four cultures": {
			raw: strings.Replace(validAnalysis, `"Celtic 🍀"`,
				`"Norse": "a", "Egyptian": "b", "Celtic 🍀"`, 1),
			want: "cultural_references",
		},
		"missing image prompt": {
			raw:  strings.Replace(validAnalysis, `"dall-e-prompt"`, `"image-prompt"`, 1),
			want: "dall-e-prompt",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseDreamAnalysis(tc.raw)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestParseDreamAnalysis_MidjourneyPromptOptional(t *testing.T) {
	raw := strings.Replace(validAnalysis, `"midjourney-prompt"`, `"unused"`, 1)

	out, err := parseDreamAnalysis(raw)

	require.NoError(t, err)
	require.Empty(t, out.MidjourneyPrompt)
}
