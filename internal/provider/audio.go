package provider

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
)

// wordsPerMinute is the narration pace assumed at speaking rate 1.0.
const wordsPerMinute = 155.0

const (
	wavHeaderMin   = 12
	wavChunkHeader = 8
	fmtChunkMin    = 16
)

var (
	errEmptyAudio = errors.New("backend returned empty audio")
	errNotWAV     = errors.New("not a RIFF/WAVE stream")
)

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// EstimateDuration returns the audio length in seconds. A WAV stream is
// measured from its header; anything else is estimated from the word count.
func EstimateDuration(audio []byte, words int, speakingRate float64) float64 {
	seconds, err := WAVDuration(audio)
	if err == nil && seconds > 0 {
		return seconds
	}

	if speakingRate <= 0 {
		speakingRate = 1.0
	}

	return float64(words) / (wordsPerMinute * speakingRate) * 60
}

// WAVDuration reads the fmt and data chunks of a RIFF/WAVE stream.
func WAVDuration(audio []byte) (float64, error) {
	if len(audio) < wavHeaderMin ||
		!bytes.Equal(audio[0:4], []byte("RIFF")) ||
		!bytes.Equal(audio[8:12], []byte("WAVE")) {
		return 0, errNotWAV
	}

	var (
		byteRate uint32
		dataSize uint32
	)

	offset := wavHeaderMin
	for offset+wavChunkHeader <= len(audio) {
		chunkID := string(audio[offset : offset+4])
		chunkSize := binary.LittleEndian.Uint32(audio[offset+4 : offset+8])
		body := offset + wavChunkHeader

		switch chunkID {
		case "fmt ":
			if chunkSize < fmtChunkMin || body+fmtChunkMin > len(audio) {
				return 0, errNotWAV
			}

			byteRate = binary.LittleEndian.Uint32(audio[body+8 : body+12])
		case "data":
			dataSize = chunkSize
			if remaining := uint32(len(audio) - body); dataSize > remaining {
				dataSize = remaining
			}
		}

		if byteRate > 0 && dataSize > 0 {
			break
		}

		// chunks are word aligned
		offset = body + int(chunkSize) + int(chunkSize%2)
	}

	if byteRate == 0 {
		return 0, errNotWAV
	}

	return float64(dataSize) / float64(byteRate), nil
}
