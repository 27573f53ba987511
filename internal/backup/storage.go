package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrTransport marks a failed call to the object store.
	ErrTransport = errors.New("backup transport error")

	// ErrSourceMissing is returned by Create when the database file does
	// not exist.
	ErrSourceMissing = errors.New("database file not found")
)

// Object is one stored backup.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ObjectStorage is the subset of an S3-compatible bucket the manager uses.
// Every method addresses a single configured bucket.
type ObjectStorage interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Download(ctx context.Context, key string, w io.Writer) (int64, error)
	Delete(ctx context.Context, key string) error
}

// TransportError wraps a failed object store call. Code carries the
// service error code when the store returned one.
type TransportError struct {
	Op   string
	Key  string
	Code string
	Err  error
}

func (e *TransportError) Error() string {
	msg := e.Op
	if e.Key != "" {
		msg += " " + e.Key
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// asTransport leaves an existing *TransportError alone and wraps anything
// else.
func asTransport(op, key string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Key: key, Err: err}
}
