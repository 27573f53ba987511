package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data         []byte
	metadata     map[string]string
	lastModified time.Time
}

// memStorage is an in-memory bucket. Errors set in fail are returned by the
// named operation ("upload", "list", "download", "delete").
type memStorage struct {
	mu      sync.Mutex
	objects map[string]memObject
	now     func() time.Time
	fail    map[string]error
	// failDeleteAfter makes Delete fail once this many deletes succeeded.
	failDeleteAfter int
	deletes         int
}

func newMemStorage(now func() time.Time) *memStorage {
	return &memStorage{
		objects:         make(map[string]memObject),
		now:             now,
		fail:            make(map[string]error),
		failDeleteAfter: -1,
	}
}

func (s *memStorage) seed(key string, lastModified time.Time, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memObject{data: data, lastModified: lastModified}
}

func (s *memStorage) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.objects {
		out = append(out, k)
	}
	return out
}

func (s *memStorage) get(key string) (memObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	return o, ok
}

func (s *memStorage) Upload(_ context.Context, key string, body io.Reader, size int64, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["upload"]; err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: declared %d, read %d", size, len(data))
	}
	s.objects[key] = memObject{data: data, metadata: metadata, lastModified: s.now()}
	return nil
}

func (s *memStorage) List(_ context.Context, prefix string) ([]Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["list"]; err != nil {
		return nil, err
	}
	var out []Object
	for k, o := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Object{Key: k, Size: int64(len(o.data)), LastModified: o.lastModified})
		}
	}
	return out, nil
}

func (s *memStorage) Download(_ context.Context, key string, w io.Writer) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["download"]; err != nil {
		return 0, err
	}
	o, ok := s.objects[key]
	if !ok {
		return 0, fmt.Errorf("no such key %q", key)
	}
	return io.Copy(w, bytes.NewReader(o.data))
}

func (s *memStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["delete"]; err != nil {
		return err
	}
	if s.failDeleteAfter >= 0 && s.deletes >= s.failDeleteAfter {
		return fmt.Errorf("delete %q refused", key)
	}
	delete(s.objects, key)
	s.deletes++
	return nil
}
