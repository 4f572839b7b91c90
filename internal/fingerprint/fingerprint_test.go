package fingerprint_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/fingerprint"
)

func baseRequest() core.SynthesisRequest {
	return core.SynthesisRequest{
		Text:         "It was the best of times, it was the worst of times.",
		VoiceID:      "narrator-en",
		ModelID:      "tts-1-hd",
		SpeakingRate: 1.0,
		Format:       "mp3",
	}
}

func TestDerive_Deterministic(t *testing.T) {
	t.Parallel()

	deriver := fingerprint.NewDeriver()

	first, err := deriver.Derive(baseRequest())
	require.NoError(t, err)

	second, err := fingerprint.NewDeriver().Derive(baseRequest())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first.String(), 64)
}

func TestDerive_EachFieldChangesFingerprint(t *testing.T) {
	t.Parallel()

	deriver := fingerprint.NewDeriver()

	base, err := deriver.Derive(baseRequest())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(req *core.SynthesisRequest)
	}{
		{name: "text", mutate: func(req *core.SynthesisRequest) { req.Text += " Again." }},
		{name: "voice", mutate: func(req *core.SynthesisRequest) { req.VoiceID = "narrator-gb" }},
		{name: "model", mutate: func(req *core.SynthesisRequest) { req.ModelID = "tts-1" }},
		{name: "rate", mutate: func(req *core.SynthesisRequest) { req.SpeakingRate = 1.25 }},
		{name: "format", mutate: func(req *core.SynthesisRequest) { req.Format = "wav" }},
		{name: "text between comparisons", mutate: func(req *core.SynthesisRequest) {
			req.Text = "If a < b and c > d then stop."
		}},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			req := baseRequest()
			testCase.mutate(&req)

			changed, deriveErr := deriver.Derive(req)
			require.NoError(t, deriveErr)
			assert.NotEqual(t, base, changed)
		})
	}
}

func TestDerive_ComparisonsKeepTheirWords(t *testing.T) {
	t.Parallel()

	deriver := fingerprint.NewDeriver()

	first := baseRequest()
	first.Text = "If a < b and c > d then stop."

	second := baseRequest()
	second.Text = "If a < x or y > d then stop."

	firstFP, err := deriver.Derive(first)
	require.NoError(t, err)

	secondFP, err := deriver.Derive(second)
	require.NoError(t, err)

	assert.NotEqual(t, firstFP, secondFP)
}

func TestDerive_PresentationNoiseIgnored(t *testing.T) {
	t.Parallel()

	deriver := fingerprint.NewDeriver()

	base, err := deriver.Derive(baseRequest())
	require.NoError(t, err)

	noisy := baseRequest()
	noisy.Text = "<p>It was the <em>best</em> of times,\n\n  it was\tthe worst of times.</p>"
	noisy.Format = " MP3 "
	noisy.VoiceID = "narrator-en "

	got, err := deriver.Derive(noisy)
	require.NoError(t, err)
	assert.Equal(t, base, got)
}

func TestDerive_FieldBoundariesAreUnambiguous(t *testing.T) {
	t.Parallel()

	deriver := fingerprint.NewDeriver()

	left := core.SynthesisRequest{Text: "hello", VoiceID: "ab", ModelID: "c", SpeakingRate: 1, Format: "mp3"}
	right := core.SynthesisRequest{Text: "hello", VoiceID: "a", ModelID: "bc", SpeakingRate: 1, Format: "mp3"}

	leftFP, err := deriver.Derive(left)
	require.NoError(t, err)

	rightFP, err := deriver.Derive(right)
	require.NoError(t, err)

	assert.NotEqual(t, leftFP, rightFP)
}

func TestDerive_DefaultRateAndFormat(t *testing.T) {
	t.Parallel()

	deriver := fingerprint.NewDeriver()

	explicit, err := deriver.Derive(baseRequest())
	require.NoError(t, err)

	defaulted := baseRequest()
	defaulted.SpeakingRate = 0
	defaulted.Format = ""

	got, err := deriver.Derive(defaulted)
	require.NoError(t, err)
	assert.Equal(t, explicit, got)
}

func TestDerive_InvalidRequests(t *testing.T) {
	t.Parallel()

	deriver := fingerprint.NewDeriver()

	tests := []struct {
		name string
		req  core.SynthesisRequest
	}{
		{name: "empty text", req: core.SynthesisRequest{Text: "", VoiceID: "v"}},
		{name: "markup only", req: core.SynthesisRequest{Text: "<br/> <hr>", VoiceID: "v"}},
		{name: "missing voice", req: core.SynthesisRequest{Text: "hi", VoiceID: "  "}},
		{name: "negative rate", req: core.SynthesisRequest{Text: "hi", VoiceID: "v", SpeakingRate: -1}},
		{name: "nan rate", req: core.SynthesisRequest{Text: "hi", VoiceID: "v", SpeakingRate: math.NaN()}},
		{name: "separator in voice", req: core.SynthesisRequest{Text: "hi", VoiceID: "a\x1fb"}},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := deriver.Derive(testCase.req)
			require.ErrorIs(t, err, core.ErrInvalidRequest)
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	deriver := fingerprint.NewDeriver()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty", input: "", expected: ""},
		{name: "plain", input: "Chapter one.", expected: "Chapter one."},
		{name: "tags", input: "<h1>Chapter</h1><p>One</p>", expected: "Chapter One"},
		{name: "comment", input: "a <!-- note\nspanning --> b", expected: "a b"},
		{name: "whitespace runs", input: "  a \r\n\t b  c  ", expected: "a b c"},
		{name: "control characters", input: "a\x00b\x1fc", expected: "a b c"},
		{name: "decomposed accent", input: "cafe\u0301", expected: "caf\u00e9"},
		{name: "dangling bracket", input: "a < b", expected: "a < b"},
		{name: "comparisons", input: "If a < b and c > d then stop.", expected: "If a < b and c > d then stop."},
		{name: "generic type", input: "Use List<T> here", expected: "Use List here"},
		{name: "shift operators", input: "x << 2 >> 1", expected: "x << 2 >> 1"},
		{name: "tag with attributes", input: `<span class="x">Hi</span>`, expected: "Hi"},
		{name: "nested leftover", input: "<a x<b> y>z", expected: "z"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.expected, deriver.Normalize(testCase.input))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()

	deriver := fingerprint.NewDeriver()

	inputs := []string{
		"<p>Hello,   <b>world</b></p>\n\nSecond paragraph.",
		"e<i>\u0301</i> accent split by markup",
		"x <y >z> w",
		"tabs\tand\x07bells",
		"<<b>b>",
		"<a x<b> y>z",
		"<a\u00a0x>after",
		"If a < b and c > d then stop.",
	}

	for _, input := range inputs {
		once := deriver.Normalize(input)
		assert.Equal(t, once, deriver.Normalize(once), "input %q", input)
	}
}
