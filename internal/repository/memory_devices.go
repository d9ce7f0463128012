package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"

	"worktrack-collector/internal/models"
)

type MemoryDevices struct {
	clock   quartz.Clock
	mu      sync.Mutex
	devices map[string]models.Device
}

func NewMemoryDevices(clock quartz.Clock) *MemoryDevices {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &MemoryDevices{clock: clock, devices: make(map[string]models.Device)}
}

func (m *MemoryDevices) Touch(_ context.Context, d models.Device) error {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.devices[d.ID]
	if !ok {
		d.FirstSeen = now
		d.LastSeen = now
		d.IsOnline = true
		m.devices[d.ID] = d
		return nil
	}
	if d.Name != "" {
		existing.Name = d.Name
	}
	if d.UserName != "" {
		existing.UserName = d.UserName
	}
	if d.OSInfo != "" {
		existing.OSInfo = d.OSInfo
	}
	existing.IsOnline = true
	existing.LastSeen = now
	m.devices[d.ID] = existing
	return nil
}

func (m *MemoryDevices) List(context.Context) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryDevices) MarkOffline(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, d := range m.devices {
		if d.IsOnline && d.LastSeen.Before(before) {
			d.IsOnline = false
			m.devices[id] = d
			n++
		}
	}
	return n, nil
}
