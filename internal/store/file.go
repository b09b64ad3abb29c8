// Copyright 2025 ByteDance Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// FileSink writes one JSON-lines file per job under a root directory.
type FileSink struct {
	root string
	mu   sync.Mutex
	seq  map[string]int64
}

func NewFileSink(root string) (*FileSink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create store dir %s", root)
	}
	return &FileSink{root: root, seq: map[string]int64{}}, nil
}

func (s *FileSink) path(jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return "", errors.Errorf("invalid job id %q", jobID)
	}
	return filepath.Join(s.root, jobID+".jsonl"), nil
}

func (s *FileSink) Append(ctx context.Context, r Record) error {
	p, err := s.path(r.JobID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.seq[r.JobID]
	if !ok {
		// first write in this process: continue after what is on disk
		recs, err := s.read(p)
		if err != nil {
			return err
		}
		seq = int64(len(recs))
	}
	r.Seq = seq + 1

	line, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", p)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return errors.Wrapf(err, "append %s", p)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", p)
	}
	s.seq[r.JobID] = r.Seq
	return nil
}

func (s *FileSink) Get(ctx context.Context, jobID string) ([]Record, error) {
	p, err := s.path(jobID)
	if err != nil {
		return nil, err
	}
	// a concurrent append may be mid-line
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(p)
}

func (s *FileSink) read(p string) ([]Record, error) {
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", p)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, errors.Wrapf(err, "decode %s line %d", p, len(out)+1)
		}
		out = append(out, r)
	}
	return out, errors.Wrapf(sc.Err(), "read %s", p)
}
