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

// Package artifact defines the typed outputs exchanged between stages and
// their schema validation.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindAnalysis       Kind = "analysis"
	KindDesign         Kind = "design"
	KindImplementation Kind = "implementation"
	KindVerification   Kind = "verification"
)

// Artifact is an immutable, content-hashed stage output. Exactly one payload
// field is set, matching Kind.
type Artifact struct {
	Kind      Kind      `json:"kind"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`

	Analysis       *AnalysisReport         `json:"analysis,omitempty"`
	Design         *DesignBlueprint        `json:"design,omitempty"`
	Implementation *ImplementationArtifact `json:"implementation,omitempty"`
	Verification   *VerificationResult     `json:"verification,omitempty"`
}

func NewAnalysis(r *AnalysisReport) *Artifact {
	return seal(&Artifact{Kind: KindAnalysis, Analysis: r})
}

func NewDesign(b *DesignBlueprint) *Artifact {
	return seal(&Artifact{Kind: KindDesign, Design: b})
}

func NewImplementation(i *ImplementationArtifact) *Artifact {
	return seal(&Artifact{Kind: KindImplementation, Implementation: i})
}

func NewVerification(v *VerificationResult) *Artifact {
	return seal(&Artifact{Kind: KindVerification, Verification: v})
}

func seal(a *Artifact) *Artifact {
	a.CreatedAt = time.Now()
	raw, err := json.Marshal(a.Payload())
	if err != nil {
		// payload types are plain data and always marshal
		panic(fmt.Sprintf("artifact: marshal %s: %v", a.Kind, err))
	}
	h := sha256.Sum256(raw)
	a.Hash = hex.EncodeToString(h[:])
	return a
}

// Payload returns the populated variant.
func (a *Artifact) Payload() any {
	if a == nil {
		return nil
	}
	switch a.Kind {
	case KindAnalysis:
		return a.Analysis
	case KindDesign:
		return a.Design
	case KindImplementation:
		return a.Implementation
	case KindVerification:
		return a.Verification
	}
	return nil
}

// ShortHash is the first 12 hex digits of Hash, for logs.
func (a *Artifact) ShortHash() string {
	if a == nil || len(a.Hash) < 12 {
		return ""
	}
	return a.Hash[:12]
}

// Decode unmarshals raw JSON into the payload type of kind and seals it.
func Decode(kind Kind, raw []byte) (*Artifact, error) {
	switch kind {
	case KindAnalysis:
		var r AnalysisReport
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return NewAnalysis(&r), nil
	case KindDesign:
		var b DesignBlueprint
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return NewDesign(&b), nil
	case KindImplementation:
		var i ImplementationArtifact
		if err := json.Unmarshal(raw, &i); err != nil {
			return nil, err
		}
		return NewImplementation(&i), nil
	case KindVerification:
		var v VerificationResult
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return NewVerification(&v), nil
	}
	return nil, fmt.Errorf("unknown artifact kind %q", kind)
}
