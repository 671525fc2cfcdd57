// Package upload coordinates the ingest workflow for preserved memories:
// validation, original upload through the storage manager, transactional
// ledger recording, and fire-and-forget derivative scheduling. Batches run
// under a bounded worker pool with per-item failure isolation.
package upload

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

// sizeCeilings caps uploads per media class. Images and documents are capped
// well below video.
var sizeCeilings = map[interfaces.MemoryType]int64{
	interfaces.MemoryNote:     1 << 20,   // 1 MiB
	interfaces.MemoryImage:    15 << 20,  // 15 MiB
	interfaces.MemoryDocument: 25 << 20,  // 25 MiB
	interfaces.MemoryAudio:    50 << 20,  // 50 MiB
	interfaces.MemoryVideo:    500 << 20, // 500 MiB
}

// allowedMimes is the declared-type allow-list, mapping each accepted mime
// type to its media class.
var allowedMimes = map[string]interfaces.MemoryType{
	"image/jpeg": interfaces.MemoryImage,
	"image/png":  interfaces.MemoryImage,
	"image/gif":  interfaces.MemoryImage,
	"image/webp": interfaces.MemoryImage,

	"video/mp4":       interfaces.MemoryVideo,
	"video/quicktime": interfaces.MemoryVideo,
	"video/webm":      interfaces.MemoryVideo,

	"audio/mpeg": interfaces.MemoryAudio,
	"audio/mp4":  interfaces.MemoryAudio,
	"audio/ogg":  interfaces.MemoryAudio,
	"audio/wav":  interfaces.MemoryAudio,

	"application/pdf":    interfaces.MemoryDocument,
	"application/msword": interfaces.MemoryDocument,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": interfaces.MemoryDocument,

	"text/plain":    interfaces.MemoryNote,
	"text/markdown": interfaces.MemoryNote,
}

// Classify maps a declared mime type to its media class.
func Classify(declaredMime string) (interfaces.MemoryType, error) {
	normalized := normalizeMime(declaredMime)
	class, ok := allowedMimes[normalized]
	if !ok {
		return "", &interfaces.ValidationError{
			Field:  "mimeType",
			Reason: fmt.Sprintf("type %q is not allowed", declaredMime),
		}
	}
	return class, nil
}

// Validate rejects a file before any upload is attempted. It checks the
// declared mime type against the allow-list, the size against the per-class
// ceiling, and for binary classes sniffs the actual bytes and rejects types
// that do not match the declared class. Text classes are exempt from
// sniffing: plain text has no magic bytes to check.
func Validate(fileName, declaredMime string, data []byte) (interfaces.MemoryType, error) {
	if len(data) == 0 {
		return "", &interfaces.ValidationError{Field: "file", Reason: "file is empty"}
	}

	class, err := Classify(declaredMime)
	if err != nil {
		return "", err
	}

	if ceiling := sizeCeilings[class]; int64(len(data)) > ceiling {
		return "", &interfaces.ValidationError{
			Field:  "size",
			Reason: fmt.Sprintf("%s of %d bytes exceeds the %d byte limit for %s files", fileName, len(data), ceiling, class),
		}
	}

	if class == interfaces.MemoryNote {
		return class, nil
	}

	detected := mimetype.Detect(data)
	if !sniffMatches(class, detected.String()) {
		return "", &interfaces.ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("declared %s but content looks like %s", declaredMime, detected.String()),
		}
	}

	return class, nil
}

// sniffMatches checks the detected type against the declared media class.
// Image, video and audio must agree on the top-level type; documents accept
// any application or text payload since office formats detect as zip
// containers.
func sniffMatches(class interfaces.MemoryType, detected string) bool {
	top := strings.SplitN(detected, "/", 2)[0]
	switch class {
	case interfaces.MemoryImage:
		return top == "image"
	case interfaces.MemoryVideo:
		return top == "video"
	case interfaces.MemoryAudio:
		return top == "audio" || detected == "video/mp4" // m4a detects as mp4 container
	case interfaces.MemoryDocument:
		return top == "application" || top == "text"
	}
	return true
}

func normalizeMime(declared string) string {
	normalized := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.Index(normalized, ";"); i >= 0 {
		normalized = strings.TrimSpace(normalized[:i])
	}
	return normalized
}
