// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blockforge/blocksync/internal/state"
)

func TestConnectDisabledWithoutAddress(t *testing.T) {
	p := Connect(Config{})
	assert.Nil(t, p)
}

func TestNilPublisherIsANoop(t *testing.T) {
	var p *Publisher
	p.Publish(MilestoneEvent{JobSource: "/dev/sdb", Health: state.Success})
	assert.NoError(t, p.Close())
}

func TestConfigSubjectDefault(t *testing.T) {
	assert.Equal(t, defaultSubject, Config{}.subject())
	assert.Equal(t, "custom.subject", Config{Subject: "custom.subject"}.subject())
}
