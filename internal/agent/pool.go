package agent

import (
	"context"
	"fmt"
	"sync"

	"firestige.xyz/gbsim/internal/config"
	"firestige.xyz/gbsim/internal/log"
	"firestige.xyz/gbsim/internal/media"
)

// Pool runs one DeviceAgent per configured device. Agents share the RTP
// port pool and the media collaborator settings, everything else is per
// device.
type Pool struct {
	mu     sync.RWMutex
	agents map[string]*DeviceAgent
}

// NewPool builds the agents. Per-device overrides are merged into the base
// engine settings here, a bad override fails fast before anything starts.
func NewPool(cfg *config.GlobalConfig, devices []config.Device) (*Pool, error) {
	ports, err := media.NewPortPool(cfg.Media.RTPPortMin, cfg.Media.RTPPortMax)
	if err != nil {
		return nil, err
	}
	factory := media.NewFFmpegFactory(media.FFmpegConfig{
		Path:      cfg.Media.FFmpegPath,
		VideoFile: cfg.Media.VideoFile,
	})

	p := &Pool{agents: make(map[string]*DeviceAgent, len(devices))}
	for i := range devices {
		dev := devices[i]
		acfg, err := dev.AgentConfig(cfg.Agent)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dev.DeviceID, err)
		}
		p.agents[dev.DeviceID] = newDeviceAgent(dev, acfg, cfg.Server, ports, factory)
	}
	return p, nil
}

// StartAll starts every agent. One device failing to start does not stop
// the rest; only all of them failing is an error.
func (p *Pool) StartAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	started := 0
	for id, a := range p.agents {
		if err := a.Start(); err != nil {
			log.GetLogger().WithError(err).WithField("device", id).Error("agent failed to start")
			delete(p.agents, id)
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("no device agent could start")
	}
	log.GetLogger().Infof("%d device agent(s) running", started)
	return nil
}

// StopAll stops the agents in parallel, each bounded by ctx.
func (p *Pool) StopAll(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range p.agents {
		wg.Add(1)
		go func(a *DeviceAgent) {
			defer wg.Done()
			a.Stop(ctx)
		}(a)
	}
	wg.Wait()
	p.agents = make(map[string]*DeviceAgent)
}

// Count returns the number of running agents.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.agents)
}

// Status reports each agent's registration state, keyed by device ID.
func (p *Pool) Status() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]string, len(p.agents))
	for id, a := range p.agents {
		out[id] = a.RegistrationState().String()
	}
	return out
}
