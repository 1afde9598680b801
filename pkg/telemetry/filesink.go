package telemetry

import (
	"encoding/json"
	"os"
	"sync"
)

// fileSink appends items as JSON lines to a local file. It stands in for the
// spool and transmitter when <PRODUCT>_TELEMETRY_FILE is set, so developers
// can inspect exactly what would have been sent.
type fileSink struct {
	mu sync.Mutex
	f  *os.File
}

func newFileSink(path string) (*fileSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileSink{f: f}, nil
}

func (s *fileSink) write(env envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.f.Write(line)
	return err
}

func (s *fileSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f.Close()
}
