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
	"sync/atomic"

	"github.com/cloudwego/transmute/internal/log"
	"github.com/cloudwego/transmute/internal/metrics"
)

// Library holds the current snapshot. Updates swap in a whole new snapshot;
// readers never see a partially built one.
type Library struct {
	cur atomic.Pointer[Snapshot]
}

func NewLibrary(s *Snapshot) *Library {
	l := &Library{}
	if s != nil {
		l.Swap(s)
	}
	return l
}

// Swap installs s and returns the previous snapshot.
func (l *Library) Swap(s *Snapshot) *Snapshot {
	prev := l.cur.Swap(s)
	metrics.KnowledgeFacts.Set(float64(s.Len()))
	if prev != nil {
		log.Info("knowledge: snapshot %s replaced by %s", prev.Version(), s.Version())
	}
	return prev
}

// Current returns the installed snapshot, or nil.
func (l *Library) Current() *Snapshot { return l.cur.Load() }

// Query answers against whatever snapshot is current at call time. Jobs
// should use Pin instead so their view stays fixed.
func (l *Library) Query(ctx context.Context, q Query) (Answer, error) {
	s := l.cur.Load()
	if s == nil {
		return Answer{}, ErrNoSnapshot
	}
	return s.Query(ctx, q)
}

// Pin returns a gateway bound to the current snapshot.
func (l *Library) Pin() (Gateway, string, error) {
	s := l.cur.Load()
	if s == nil {
		return nil, "", ErrNoSnapshot
	}
	return s, s.Version(), nil
}

type gatewayKey struct{}

// WithGateway returns a context carrying gw, so tools invoked deep inside an
// agent answer from the job's pinned snapshot.
func WithGateway(ctx context.Context, gw Gateway) context.Context {
	return context.WithValue(ctx, gatewayKey{}, gw)
}

func GatewayFrom(ctx context.Context) (Gateway, bool) {
	gw, ok := ctx.Value(gatewayKey{}).(Gateway)
	return gw, ok && gw != nil
}

// Contextual answers with the gateway carried by the context, falling back
// to Fallback when there is none.
type Contextual struct {
	Fallback Gateway
}

func (c Contextual) Query(ctx context.Context, q Query) (Answer, error) {
	if gw, ok := GatewayFrom(ctx); ok {
		return gw.Query(ctx, q)
	}
	if c.Fallback == nil {
		return Answer{}, ErrNoSnapshot
	}
	return c.Fallback.Query(ctx, q)
}
