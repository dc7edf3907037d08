package email

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// FileAccessError reports an attachment path that could not be read.
type FileAccessError struct {
	Path string
	Err  error
}

func (e *FileAccessError) Error() string {
	return fmt.Sprintf("failed to read attachment %q: %v", e.Path, e.Err)
}

func (e *FileAccessError) Unwrap() error { return e.Err }

// readAttachment loads the file at path and sniffs its media type from the
// content signature. Only the base name is kept as the disposition filename.
func readAttachment(path string) (Part, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Part{}, &FileAccessError{Path: path, Err: err}
	}

	mediaType, params, err := mime.ParseMediaType(mimetype.Detect(content).String())
	if err != nil {
		mediaType, params = "application/octet-stream", nil
	}

	return Part{
		Kind:      PartAttachment,
		Filename:  filepath.Base(path),
		Content:   content,
		MediaType: mediaType,
		Params:    params,
	}, nil
}
