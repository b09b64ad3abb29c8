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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"runtime"
	"sort"
	"strings"

	"github.com/philippgille/chromem-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cloudwego/transmute/internal/log"
	"github.com/cloudwego/transmute/internal/metrics"
)

// SearchOptions bound the result set per granularity.
type SearchOptions struct {
	TopK          int
	MinSimilarity float64
}

type Options struct {
	Strategic SearchOptions
	Tactical  SearchOptions
	// Embed overrides the embedding function; defaults to HashingEmbedder.
	Embed  chromem.EmbeddingFunc
	Filter *NeutralityFilter
}

func DefaultOptions() Options {
	return Options{
		Strategic: SearchOptions{TopK: 10, MinSimilarity: 0.2},
		Tactical:  SearchOptions{TopK: 5, MinSimilarity: 0.3},
	}
}

func (o Options) forGranularity(g Granularity) SearchOptions {
	if g == Strategic {
		return o.Strategic
	}
	return o.Tactical
}

// Snapshot is an immutable, versioned set of facts with its own vector index.
// A job pins one snapshot for its whole lifetime.
type Snapshot struct {
	version  string
	facts    []Fact
	byName   map[string]int
	coll     *chromem.Collection
	opts     Options
	filter   *NeutralityFilter
	rejected []string
}

// NewSnapshot validates and indexes facts. Facts that carry strategy
// directives are rejected and reported through Rejected.
func NewSnapshot(ctx context.Context, facts []Fact, opts Options) (*Snapshot, error) {
	if opts.Embed == nil {
		opts.Embed = HashingEmbedder()
	}
	if opts.Filter == nil {
		opts.Filter = NewNeutralityFilter()
	}
	def := DefaultOptions()
	if opts.Strategic.TopK <= 0 {
		opts.Strategic = def.Strategic
	}
	if opts.Tactical.TopK <= 0 {
		opts.Tactical = def.Tactical
	}

	s := &Snapshot{byName: map[string]int{}, opts: opts, filter: opts.Filter}
	for _, f := range facts {
		f.CapabilityName = strings.TrimSpace(f.CapabilityName)
		if f.CapabilityName == "" {
			s.rejected = append(s.rejected, "<unnamed>: missing capability_name")
			continue
		}
		if v := opts.Filter.Violations(f); len(v) > 0 {
			s.rejected = append(s.rejected, f.CapabilityName+": directive in "+strings.Join(v, ","))
			log.Warn("knowledge: rejected fact %s, directive in %v", f.CapabilityName, v)
			continue
		}
		if _, dup := s.byName[f.CapabilityName]; dup {
			s.rejected = append(s.rejected, f.CapabilityName+": duplicate")
			continue
		}
		s.byName[f.CapabilityName] = len(s.facts)
		s.facts = append(s.facts, f)
	}
	sort.Slice(s.facts, func(i, j int) bool { return s.facts[i].CapabilityName < s.facts[j].CapabilityName })
	for i, f := range s.facts {
		s.byName[f.CapabilityName] = i
	}

	raw, err := json.Marshal(s.facts)
	if err != nil {
		return nil, errors.Wrap(err, "marshal facts")
	}
	sum := sha256.Sum256(raw)
	s.version = hex.EncodeToString(sum[:8])

	db := chromem.NewDB()
	coll, err := db.GetOrCreateCollection("facts-"+s.version, nil, opts.Embed)
	if err != nil {
		return nil, errors.Wrap(err, "create fact collection")
	}
	if len(s.facts) > 0 {
		docs := make([]chromem.Document, 0, len(s.facts))
		for _, f := range s.facts {
			docs = append(docs, chromem.Document{
				ID:       f.CapabilityName,
				Metadata: map[string]string{"domain": f.Domain},
				Content:  indexText(f),
			})
		}
		if err := coll.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return nil, errors.Wrap(err, "index facts")
		}
	}
	s.coll = coll
	log.Named("knowledge").Info("snapshot built",
		zap.String("version", s.version), zap.Int("facts", len(s.facts)), zap.Int("rejected", len(s.rejected)))
	return s, nil
}

func indexText(f Fact) string {
	parts := []string{f.CapabilityName, f.Domain, f.Signature, f.Description, f.Returns, f.UsageContext}
	for k := range f.Parameters {
		parts = append(parts, k)
	}
	return strings.Join(parts, " ")
}

func (s *Snapshot) Version() string    { return s.version }
func (s *Snapshot) Len() int           { return len(s.facts) }
func (s *Snapshot) Rejected() []string { return append([]string(nil), s.rejected...) }

type scored struct {
	fact  Fact
	score float64
}

// Search runs the semantic, keyword and context passes, keeps the best score
// per capability, drops results under the similarity floor and returns the
// top k ordered by score then name.
func (s *Snapshot) Search(ctx context.Context, text string, g Granularity) ([]Fact, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.facts) == 0 {
		return nil, nil
	}
	opts := s.opts.forGranularity(g)

	best := map[string]float64{}
	keep := func(name string, score float64) {
		if old, ok := best[name]; !ok || score > old {
			best[name] = score
		}
	}

	// rank the whole collection; truncating inside the index would make ties
	// at the cut depend on goroutine scheduling
	results, err := s.coll.Query(ctx, text, s.coll.Count(), nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "semantic search")
	}
	for _, r := range results {
		keep(r.ID, float64(r.Similarity))
	}
	for _, sc := range s.keywordSearch(text) {
		keep(sc.fact.CapabilityName, sc.score)
	}
	for _, sc := range s.contextSearch(text) {
		keep(sc.fact.CapabilityName, sc.score)
	}

	out := make([]scored, 0, len(best))
	for name, score := range best {
		if score < opts.MinSimilarity {
			continue
		}
		out = append(out, scored{fact: s.facts[s.byName[name]], score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].fact.CapabilityName < out[j].fact.CapabilityName
	})
	if len(out) > opts.TopK {
		out = out[:opts.TopK]
	}
	facts := make([]Fact, 0, len(out))
	for _, sc := range out {
		facts = append(facts, s.filter.Scrub(sc.fact))
	}
	return facts, nil
}

// keywordSearch scores the share of query words found in name, description
// or signature; a hit in the name counts twice.
func (s *Snapshot) keywordSearch(text string) []scored {
	words := uniqueWords(text)
	var out []scored
	for _, f := range s.facts {
		name := strings.ToLower(f.CapabilityName)
		hay := strings.ToLower(f.CapabilityName + " " + f.Description + " " + f.Signature)
		matches := 0
		for _, w := range words {
			if strings.Contains(hay, w) {
				matches++
				if strings.Contains(name, w) {
					matches++
				}
			}
		}
		if matches > 0 {
			out = append(out, scored{fact: f, score: float64(matches) / float64(len(words))})
		}
	}
	return out
}

// contextSearch scores overlap between query words and the usage context.
func (s *Snapshot) contextSearch(text string) []scored {
	words := uniqueWords(text)
	var out []scored
	for _, f := range s.facts {
		if f.UsageContext == "" {
			continue
		}
		ctxWords := map[string]bool{}
		for _, w := range strings.Fields(strings.ToLower(f.UsageContext)) {
			ctxWords[w] = true
		}
		overlap := 0
		for _, w := range words {
			if ctxWords[w] {
				overlap++
			}
		}
		if overlap > 0 {
			out = append(out, scored{fact: f, score: float64(overlap) / float64(len(words))})
		}
	}
	return out
}

func uniqueWords(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

// ByName returns the fact with the exact capability name.
func (s *Snapshot) ByName(name string) (Fact, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Fact{}, false
	}
	return s.filter.Scrub(s.facts[i]), true
}

// ByDomain returns every fact of a domain, sorted by name.
func (s *Snapshot) ByDomain(domain string) []Fact {
	var out []Fact
	for _, f := range s.facts {
		if f.Domain == domain {
			out = append(out, s.filter.Scrub(f))
		}
	}
	return out
}

// Related resolves the related capabilities of name that exist in the snapshot.
func (s *Snapshot) Related(name string) []Fact {
	f, ok := s.ByName(name)
	if !ok {
		return nil
	}
	var out []Fact
	for _, r := range f.RelatedCapabilities {
		if rf, ok := s.ByName(r); ok {
			out = append(out, rf)
		}
	}
	return out
}

type Stats struct {
	Version  string         `json:"version"`
	Total    int            `json:"total"`
	Domains  map[string]int `json:"domains"`
	Rejected int            `json:"rejected"`
}

func (s *Snapshot) Stats() Stats {
	st := Stats{Version: s.version, Total: len(s.facts), Domains: map[string]int{}, Rejected: len(s.rejected)}
	for _, f := range s.facts {
		st.Domains[f.Domain]++
	}
	return st
}

// Query implements Gateway over this snapshot only.
func (s *Snapshot) Query(ctx context.Context, q Query) (Answer, error) {
	metrics.KnowledgeQueries.WithLabelValues(string(q.Granularity)).Inc()
	facts, err := s.Search(ctx, q.Text, q.Granularity)
	if err != nil {
		return Answer{Version: s.version}, err
	}
	if len(facts) == 0 {
		metrics.KnowledgeMisses.WithLabelValues(string(q.Granularity)).Inc()
		facts = []Fact{}
	}
	return Answer{Answers: facts, Version: s.version}, nil
}
