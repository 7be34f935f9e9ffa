package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Supported upload extensions.
const (
	extAAC  = ".aac"
	extFLAC = ".flac"
	extM4A  = ".m4a"
	extMP3  = ".mp3"
	extOGG  = ".ogg"
	extWAV  = ".wav"
	extWEBM = ".webm"
)

const (
	scratchPrefix      = "voice-upload-"
	scratchPermissions = 0o600
)

// ErrEmptyUpload is returned when there are no bytes to materialize.
var ErrEmptyUpload = errors.New("uploaded audio is empty")

// ScratchFile is an uploaded recording materialized on disk for the duration of one
// request. Close removes it and is safe to call more than once.
type ScratchFile struct {
	path string
}

// NewScratchFile writes data to a uniquely named file in dir. The extension is taken
// from filename when it names a known audio type; otherwise ".wav" is used.
func NewScratchFile(dir string, data []byte, filename string) (*ScratchFile, error) {
	if len(data) == 0 {
		return nil, ErrEmptyUpload
	}

	if dir == "" {
		dir = os.TempDir()
	}

	path := filepath.Join(dir, scratchPrefix+uuid.NewString()+AudioExtension(filename))

	// #nosec G306 -- scratch files are private to the service user
	err := os.WriteFile(path, data, scratchPermissions)
	if err != nil {
		// A partial write may have left the file behind.
		_ = os.Remove(path)

		return nil, fmt.Errorf("failed to write scratch audio file: %w", err)
	}

	return &ScratchFile{path: path}, nil
}

// Path returns the location of the scratch file.
func (s *ScratchFile) Path() string {
	return s.path
}

// Close removes the scratch file.
func (s *ScratchFile) Close() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove scratch audio file %s: %w", s.path, err)
	}

	return nil
}

// AudioExtension returns the lower-cased extension of filename when it is a
// common audio type, and ".wav" otherwise.
func AudioExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case extWAV, extMP3, extFLAC, extOGG, extM4A, extAAC, extWEBM:
		return ext
	default:
		return extWAV
	}
}
