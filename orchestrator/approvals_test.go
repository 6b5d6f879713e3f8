// Copyright 2025 Opula
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pc099/opula-sub000/eventbus"
	"github.com/pc099/opula-sub000/shared/types"
)

func miniredisAddr(t *testing.T) string {
	t.Helper()
	return miniredis.RunT(t).Addr()
}

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := eventbus.DefaultConfig("redis://" + mr.Addr())
	cfg.RetryDelay = 5 * time.Millisecond

	bus := eventbus.New(cfg)
	require.NoError(t, bus.Connect(context.Background()))
	t.Cleanup(func() { _ = bus.Disconnect(context.Background()) })
	return bus
}

func TestApprovalRegistry_ApproveFlow(t *testing.T) {
	registry := NewApprovalRegistry(newTestBus(t), time.Minute)
	ctx := context.Background()

	action := testAction(types.RiskHigh)
	outcome := registry.RequestApproval(ctx, action)

	pending := registry.GetPendingApprovals()
	require.Len(t, pending, 1)
	assert.Equal(t, action.ID, pending[0].ID)
	assert.True(t, pending[0].ApprovalRequired)
	assert.Equal(t, types.RiskHigh, pending[0].RiskLevel)
	assert.False(t, pending[0].ApprovalRequestedAt.IsZero())

	require.NoError(t, registry.ApproveAction(ctx, action.ID, "alice", "looks safe"))
	assert.Empty(t, registry.GetPendingApprovals())

	select {
	case got := <-outcome:
		require.NoError(t, got.Err)
		assert.True(t, got.Approved)
		assert.Equal(t, "alice", got.DecidedBy)
		assert.Equal(t, "looks safe", got.Reason)
	case <-time.After(time.Second):
		t.Fatal("approval outcome never resolved")
	}
}

func TestApprovalRegistry_RejectFlow(t *testing.T) {
	registry := NewApprovalRegistry(newTestBus(t), time.Minute)
	ctx := context.Background()

	action := testAction(types.RiskHigh)
	outcome := registry.RequestApproval(ctx, action)

	require.NoError(t, registry.RejectAction(ctx, action.ID, "bob", "too risky"))
	assert.Empty(t, registry.GetPendingApprovals())

	select {
	case got := <-outcome:
		require.NoError(t, got.Err)
		assert.False(t, got.Approved)
		assert.Equal(t, "bob", got.DecidedBy)
	case <-time.After(time.Second):
		t.Fatal("rejection outcome never resolved")
	}
}

func TestApprovalRegistry_UnknownID(t *testing.T) {
	registry := NewApprovalRegistry(newTestBus(t), time.Minute)
	ctx := context.Background()

	err := registry.ApproveAction(ctx, "no-such-action", "alice", "")
	assert.True(t, types.IsNotFound(err))

	err = registry.RejectAction(ctx, "no-such-action", "alice", "")
	assert.True(t, types.IsNotFound(err))
}

func TestApprovalRegistry_DecisionIsTerminal(t *testing.T) {
	registry := NewApprovalRegistry(newTestBus(t), time.Minute)
	ctx := context.Background()

	action := testAction(types.RiskHigh)
	registry.RequestApproval(ctx, action)

	require.NoError(t, registry.ApproveAction(ctx, action.ID, "alice", ""))

	err := registry.ApproveAction(ctx, action.ID, "alice", "")
	assert.True(t, types.IsNotFound(err), "second decision must fail")
}

func TestApprovalRegistry_Timeout(t *testing.T) {
	registry := NewApprovalRegistry(newTestBus(t), 50*time.Millisecond)
	ctx := context.Background()

	action := testAction(types.RiskHigh)
	outcome := registry.RequestApproval(ctx, action)

	select {
	case got := <-outcome:
		require.Error(t, got.Err)
		assert.True(t, types.IsTimeout(got.Err))
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	assert.Empty(t, registry.GetPendingApprovals())

	err := registry.ApproveAction(ctx, action.ID, "alice", "")
	assert.True(t, types.IsNotFound(err), "expired approval is gone")
}

func TestApprovalRegistry_DefaultTimeout(t *testing.T) {
	registry := NewApprovalRegistry(newTestBus(t), 0)
	assert.Equal(t, DefaultApprovalTimeout, registry.timeout)
}

func TestApprovalRegistry_ShouldAutoApprove(t *testing.T) {
	tests := []struct {
		name        string
		autoApprove bool
		risk        types.RiskLevel
		resources   []string
		want        bool
	}{
		{name: "disabled", autoApprove: false, risk: types.RiskLow, want: false},
		{name: "low risk", autoApprove: true, risk: types.RiskLow, want: true},
		{
			name:        "medium risk off production",
			autoApprove: true,
			risk:        types.RiskMedium,
			resources:   []string{"staging-web"},
			want:        true,
		},
		{
			name:        "medium risk touching production",
			autoApprove: true,
			risk:        types.RiskMedium,
			resources:   []string{"prod-db"},
			want:        false,
		},
		{name: "high risk", autoApprove: true, risk: types.RiskHigh, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewApprovalRegistry(newTestBus(t), time.Minute)
			registry.AutoApprove = tt.autoApprove

			action := testAction(tt.risk)
			if tt.resources != nil {
				action.TargetResources = tt.resources
			}
			assert.Equal(t, tt.want, registry.ShouldAutoApprove(action))
		})
	}
}
