// Package surface maintains the identity map of rendering surfaces.
//
// Surface ids pack an arena slot and a generation. Holders of a surface id
// (pending responses, bridge mailboxes) keep only the id and check IsLive
// before acting, so a retired surface is a no-op target rather than an
// error or a dangling reference.
package surface
