package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/fplsync/fplsync/internal/github"
)

// Kind classifies why a single file could not be mirrored
type Kind string

const (
	KindNetwork     Kind = "network"
	KindHTTP        Kind = "http"
	KindFilesystem  Kind = "filesystem"
	KindInvalidPath Kind = "invalid-path"
)

// DownloadError reports the failure to mirror one file
type DownloadError struct {
	Path string // repository path
	Kind Kind
	Err  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("failed to save %s (%s): %v", e.Path, e.Kind, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Continuable reports whether the batch may go on after this failure.
// A canceled download stops the run; every other failure only affects its
// own file.
func (e *DownloadError) Continuable() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	switch e.Kind {
	case KindNetwork, KindHTTP, KindFilesystem, KindInvalidPath:
		return true
	}
	return false
}

// Retryable reports whether repeating the download may succeed
func (e *DownloadError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
		return false
	}
	switch e.Kind {
	case KindNetwork:
		return true
	case KindHTTP:
		var statusErr *github.StatusError
		return errors.As(e.Err, &statusErr) && statusErr.Temporary()
	}
	return false
}

// fetchError classifies an error returned by github.Client.FetchRaw
func fetchError(path string, err error) *DownloadError {
	var statusErr *github.StatusError
	if errors.As(err, &statusErr) {
		return &DownloadError{Path: path, Kind: KindHTTP, Err: err}
	}
	return &DownloadError{Path: path, Kind: KindNetwork, Err: err}
}
