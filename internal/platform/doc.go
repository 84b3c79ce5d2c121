// Package platform defines the contract between the webhost core and a
// rendering engine.
//
// An adapter owns native surfaces and the engine's thread. It reports its
// Capabilities once, calls the host entry points (SurfaceCreated,
// OnRequest, OnScriptMessage, SurfaceDestroyed) as events happen, and
// accepts DeliverResponse and InjectScript calls, always on the run loop.
//
// The headless subpackage is a complete reference adapter backed by a
// JavaScript runtime.
package platform
