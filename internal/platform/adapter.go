package platform

import (
	"github.com/GriffinCanCode/AgentOS/webhost/internal/protocol"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shim"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

// Capabilities is what an engine reports about itself. Behaviour that
// differs between engines keys off these flags, never off engine names.
type Capabilities struct {
	// UniqueSchemes: at most one handler per scheme per shared context.
	UniqueSchemes bool
	// DocumentStartScripts: the engine runs init scripts before page
	// scripts. Without it init scripts are injected into HTML responses.
	DocumentStartScripts bool
	// RequestBodies: requests carry their body.
	RequestBodies bool
	// Alias: the engine loads http(s)://<scheme>.localhost instead of
	// intercepting custom schemes.
	Alias protocol.Alias
	// Messenger hands strings from page script to the adapter.
	Messenger shim.Messenger
}

// Context projects the registry-relevant capabilities
func (c Capabilities) Context() protocol.Capabilities {
	return protocol.Capabilities{
		UniqueSchemes: c.UniqueSchemes,
		Alias:         c.Alias,
	}
}

// Adapter is implemented once per rendering engine. All methods are called
// on the run loop.
type Adapter interface {
	Capabilities() Capabilities
	// DeliverResponse completes the native request named by token.
	DeliverResponse(surface id.SurfaceID, token types.RequestToken, resp *types.Response) error
	// InjectScript evaluates script in the surface's page.
	InjectScript(surface id.SurfaceID, script string) error
}

// PageLoadEvent marks a boundary of a top-level document load
type PageLoadEvent int

const (
	// PageLoadStarted: the document request is about to be issued.
	PageLoadStarted PageLoadEvent = iota
	// PageLoadFinished: the document arrived and its scripts ran.
	PageLoadFinished
)

func (e PageLoadEvent) String() string {
	switch e {
	case PageLoadStarted:
		return "started"
	case PageLoadFinished:
		return "finished"
	default:
		return "unknown"
	}
}
