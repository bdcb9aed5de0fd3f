package storage

import (
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"intakego/internal/apperr"
)

// MaxUploadBytes is the largest audio payload the provider accepts.
const MaxUploadBytes int64 = 25 << 20

var allowedExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".webm": true,
	".ogg":  true,
	".flac": true,
}

// allowedContentTypes maps each accepted declared type to the extension used on disk.
var allowedContentTypes = map[string]string{
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/wav":   ".wav",
	"audio/wave":  ".wav",
	"audio/x-wav": ".wav",
	"audio/mp4":   ".m4a",
	"audio/x-m4a": ".m4a",
	"audio/webm":  ".webm",
	"audio/ogg":   ".ogg",
	"audio/flac":  ".flac",
}

var (
	errInvalidType = apperr.Validation(apperr.CodeInvalidFileType,
		"Invalid file type. Please upload an audio file (mp3, wav, m4a, webm, ogg, flac).", 0)
	errNoFile = apperr.Validation(apperr.CodeNoFile, "No audio file provided", 0)
)

// FileTooLarge reports an upload over maxBytes, naming the limit in the message.
func FileTooLarge(maxBytes int64) *apperr.Error {
	return apperr.Validation(apperr.CodeFileTooLarge,
		"File too large. Maximum size is "+formatSize(maxBytes)+".", http.StatusRequestEntityTooLarge)
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dMB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dKB", n>>10)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

// ValidateAudio applies the size and type rules to the declared metadata of an
// upload. The type rule passes when either the extension or the content type is
// allowed.
func ValidateAudio(name, contentType string, size int64) error {
	return validateAudio(name, contentType, size, MaxUploadBytes)
}

func validateAudio(name, contentType string, size, maxBytes int64) error {
	if size > maxBytes {
		return FileTooLarge(maxBytes)
	}
	if allowedExtensions[extension(name)] {
		return nil
	}
	if _, ok := allowedContentTypes[mediaType(contentType)]; ok {
		return nil
	}
	return errInvalidType
}

// looksLikeText reports whether the sniffed header of a payload is plain text,
// which no audio container is.
func looksLikeText(head []byte) bool {
	return strings.HasPrefix(http.DetectContentType(head), "text/")
}

// storedExtension picks the on-disk extension: the original one when allowed,
// otherwise the one implied by the declared content type.
func storedExtension(name, contentType string) string {
	if ext := extension(name); allowedExtensions[ext] {
		return ext
	}
	return allowedContentTypes[mediaType(contentType)]
}

func extension(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
