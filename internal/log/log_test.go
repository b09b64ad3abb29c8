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

package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPrintfAndStructured(t *testing.T) {
	core, logs := observer.New(DebugLevel)
	restore := SetLogger(zap.New(core))
	defer restore()

	Info("job %s entered %s", "j1", "analyzing")
	Named("coordinator").With(zap.String("job_id", "j1")).Warn("retrying")

	all := logs.All()
	require.Len(t, all, 2)
	assert.Equal(t, "job j1 entered analyzing", all[0].Message)
	assert.Equal(t, "retrying", all[1].Message)
	assert.Equal(t, "coordinator", all[1].LoggerName)
	assert.Equal(t, "j1", all[1].ContextMap()["job_id"])
}

func TestConfigureRejectsBadLevel(t *testing.T) {
	require.Error(t, Configure("console", "loud"))
	require.NoError(t, Configure("json", "debug"))
	t.Cleanup(func() { _ = Configure("console", "info") })
	assert.True(t, level.Enabled(DebugLevel))
}
