// Package storage puts and gets pipeline artifacts (recordings, transcripts,
// analyses) by path.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned by Get when nothing is stored at a key.
var ErrNotFound = eris.New("storage: object not found")

// Store is the object storage contract used by pipeline stages. Put must be
// safe to repeat with the same key.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// RecordingKey is the deterministic location of a call's audio.
func RecordingKey(tenantID, cdrID, filename string) string {
	return fmt.Sprintf("recordings/%s/%s/%s", tenantID, cdrID, SanitizeKey(path.Base(filename)))
}

// TranscriptKey is the deterministic location of a call's transcript.
func TranscriptKey(tenantID, cdrID string) string {
	return fmt.Sprintf("transcripts/%s/%s.json", tenantID, cdrID)
}

// AnalysisKey is the deterministic location of a call's analysis.
func AnalysisKey(tenantID, cdrID string) string {
	return fmt.Sprintf("analyses/%s/%s.json", tenantID, cdrID)
}

// SanitizeKey cleans a key so it cannot escape the storage root.
func SanitizeKey(key string) string {
	key = path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	return strings.TrimPrefix(key, "/")
}

// ContentTypeFor guesses an audio content type from a recording filename.
func ContentTypeFor(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".gsm":
		return "audio/x-gsm"
	case ".ogg":
		return "audio/ogg"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
