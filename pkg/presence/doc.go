// Package presence tracks which agents are attached to a tenant's presence
// channel.
//
// A Channel is one connection to the tenant's real-time presence medium. The
// Registry is the local, per-tenant view built from the channel's sync
// events: Snapshot never touches the network. Consumers must not trust an
// attached record alone; Merged reduces the records of each agent with the
// liveness rules in package policy, counting an agent online when any of its
// connections is live.
//
// Hub is an in-process Channel implementation. It backs tests, single-process
// deployments and the WebSocket presence server in package wspresence.
package presence
