// Package fingerprint derives stable content hashes for synthesis requests.
//
// Two requests that differ only in presentation (markup, line breaks, runs of
// spaces, composed vs decomposed accents) share a fingerprint; a change to the
// text, voice, model, speaking rate or output format produces a different one.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/book-expert/narration-service/internal/core"
)

// Canonical serialization constants.
const (
	// schemeVersion is hashed first so a change of canonical form never
	// collides with keys derived under the old one.
	schemeVersion = "narration/v1"
	// fieldSeparator cannot survive normalization and is rejected in identifiers.
	fieldSeparator = "\x1f"

	defaultSpeakingRate = 1.0
	defaultFormat       = "mp3"
)

// Markup patterns removed before hashing. A tag needs a letter right after
// "<" or "</", so comparisons such as "a < b and c > d" are kept as text.
const (
	tagRegexPattern     = `</?[A-Za-z][A-Za-z0-9:-]*(?:\s[^<>]*)?/?>`
	commentRegexPattern = `(?s)<!--.*?-->`
)

// Deriver computes fingerprints. It is safe for concurrent use.
type Deriver struct {
	tagPattern     *regexp.Regexp
	commentPattern *regexp.Regexp
}

// NewDeriver creates a Deriver with its patterns compiled up front.
func NewDeriver() *Deriver {
	return &Deriver{
		tagPattern:     regexp.MustCompile(tagRegexPattern),
		commentPattern: regexp.MustCompile(commentRegexPattern),
	}
}

// Normalize strips markup and collapses whitespace. Normalizing already
// normalized text returns it unchanged.
func (d *Deriver) Normalize(text string) string {
	if text == "" {
		return text
	}

	text = norm.NFC.String(text)

	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}

		return r
	}, text)

	text = collapseSpaces(text)
	text = d.commentPattern.ReplaceAllString(text, " ")

	// Removing one tag can close up another, as in "<a x<b> y>".
	for {
		stripped := d.tagPattern.ReplaceAllString(text, " ")
		if stripped == text {
			break
		}

		text = stripped
	}

	return collapseSpaces(text)
}

func collapseSpaces(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Derive returns the fingerprint of req.
func (d *Deriver) Derive(req core.SynthesisRequest) (core.Fingerprint, error) {
	canonical, err := d.Canonicalize(req)
	if err != nil {
		return "", err
	}

	return d.hash(canonical), nil
}

// Canonicalize returns req with every field in the exact form that is hashed.
func (d *Deriver) Canonicalize(req core.SynthesisRequest) (core.SynthesisRequest, error) {
	text := d.Normalize(req.Text)
	if text == "" {
		return core.SynthesisRequest{}, fmt.Errorf("%w: text is empty after normalization", core.ErrInvalidRequest)
	}

	voiceID := strings.TrimSpace(req.VoiceID)
	if voiceID == "" {
		return core.SynthesisRequest{}, fmt.Errorf("%w: voice id is empty", core.ErrInvalidRequest)
	}

	modelID := strings.TrimSpace(req.ModelID)
	format := strings.ToLower(strings.TrimSpace(req.Format))

	if format == "" {
		format = defaultFormat
	}

	for name, value := range map[string]string{"voice id": voiceID, "model id": modelID, "format": format} {
		if strings.ContainsFunc(value, unicode.IsControl) {
			return core.SynthesisRequest{}, fmt.Errorf("%w: %s contains control characters", core.ErrInvalidRequest, name)
		}
	}

	rate, err := canonicalRate(req.SpeakingRate)
	if err != nil {
		return core.SynthesisRequest{}, err
	}

	return core.SynthesisRequest{
		Text:         text,
		VoiceID:      voiceID,
		ModelID:      modelID,
		SpeakingRate: rate,
		Format:       format,
	}, nil
}

func (d *Deriver) hash(req core.SynthesisRequest) core.Fingerprint {
	fields := []string{
		schemeVersion,
		req.Text,
		req.VoiceID,
		req.ModelID,
		strconv.FormatFloat(req.SpeakingRate, 'f', -1, 64),
		req.Format,
	}

	sum := sha256.Sum256([]byte(strings.Join(fields, fieldSeparator)))

	return core.Fingerprint(hex.EncodeToString(sum[:]))
}

func canonicalRate(rate float64) (float64, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
		return 0, fmt.Errorf("%w: speaking rate %v", core.ErrInvalidRequest, rate)
	}

	if rate == 0 {
		return defaultSpeakingRate, nil
	}

	return rate, nil
}
