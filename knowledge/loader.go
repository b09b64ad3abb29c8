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

package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// record accepts both the current field names and the older api_* layout.
type record struct {
	Fact `yaml:",inline"`

	APIName        string   `json:"api_name" yaml:"api_name"`
	Library        string   `json:"library" yaml:"library"`
	RelatedAPIs    []string `json:"related_apis" yaml:"related_apis"`
	CommonPitfalls []string `json:"common_pitfalls" yaml:"common_pitfalls"`
}

func (r record) normalize() Fact {
	f := r.Fact
	if f.CapabilityName == "" {
		f.CapabilityName = r.APIName
	}
	if f.Domain == "" {
		f.Domain = r.Library
	}
	if len(f.RelatedCapabilities) == 0 {
		f.RelatedCapabilities = r.RelatedAPIs
	}
	if len(f.Pitfalls) == 0 {
		f.Pitfalls = r.CommonPitfalls
	}
	return f
}

// LoadDir reads every .json, .yaml and .yml file under dir. Each file holds
// either a single fact or a list of facts. Files are read in lexical order.
func LoadDir(dir string) ([]Fact, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk knowledge dir %s", dir)
	}
	sort.Strings(paths)

	var facts []Fact
	for _, p := range paths {
		batch, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		facts = append(facts, batch...)
	}
	return facts, nil
}

func LoadFile(path string) ([]Fact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	var recs []record
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if raw[0] == '[' {
			err = json.Unmarshal(raw, &recs)
		} else {
			var r record
			err = json.Unmarshal(raw, &r)
			recs = []record{r}
		}
	} else {
		var node yaml.Node
		if err = yaml.Unmarshal(raw, &node); err == nil {
			if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
				err = node.Decode(&recs)
			} else {
				var r record
				err = node.Decode(&r)
				recs = []record{r}
			}
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	out := make([]Fact, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.normalize())
	}
	return out, nil
}

// Build loads dir and indexes it into a snapshot.
func Build(ctx context.Context, dir string, opts Options) (*Snapshot, error) {
	facts, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(ctx, facts, opts)
}
