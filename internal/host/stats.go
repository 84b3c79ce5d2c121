package host

import (
	"github.com/GriffinCanCode/AgentOS/webhost/internal/bridge"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/dispatch"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/protocol"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/resolve"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/rpc"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/runloop"
)

// Stats is a snapshot of every component
type Stats struct {
	Surfaces int               `json:"surfaces"`
	Registry protocol.Stats    `json:"registry"`
	Dispatch dispatch.Stats    `json:"dispatch"`
	Resolver resolve.Stats     `json:"resolver"`
	Bridge   bridge.Stats      `json:"bridge"`
	RPC      *rpc.Stats        `json:"rpc,omitempty"`
	Loop     runloop.Stats     `json:"loop"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// Stats returns a snapshot of host activity
func (h *Host) Stats() Stats {
	st := Stats{
		Surfaces: h.surfaces.Len(),
		Registry: h.registry.Stats(),
		Dispatch: h.dispatcher.Stats(),
		Resolver: h.resolver.Stats(),
		Bridge:   h.bridge.Stats(),
		Loop:     h.loop.Stats(),
		Breakers: h.dispatcher.Breakers(),
	}
	if h.rpc != nil {
		rs := h.rpc.Stats()
		st.RPC = &rs
	}
	return st
}
