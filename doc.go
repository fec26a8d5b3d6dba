// Caphub lets processes share the *devices* attached to them and the
// *services* they host, so any node can list them, call their actions and
// listen to their events regardless of where they live.
//
// ## How it works
//
// A `Hub` is a node. Create it with `Create`, register your devices and
// services, then `Hub.Join` to start looking for other nodes:
//
// * Nodes on the same machine meet through a unix socket. The first one to
// bind it becomes the leader, the others connect to it and race to replace
// it when it goes away.
// * Nodes on the network meet through a gossip protocol, then open a single
// QUIC stream between each pair.
//
// Both end up as a byte stream on which the `Transport` runs a short
// handshake (`hello` answered by `metadata`) before exchanging framed JSON
// messages.
//
// On top of the transport sit two registries:
//
// * The `DeviceRegistry` is a directory of devices. Announcements are
// relayed to the nodes which are not directly connected to the owner.
// * The `ServiceRegistry` proxies calls and events to remote services and
// serves the calls targeting ours. Actions are the exported methods of the
// registered value, or its `Dispatcher` when it has no method for them.
//
// ## Design Principles
//
// There is no consensus: every node only knows what its peers told it,
// and forgets it as soon as they disconnect. APIs MUST NOT model an
// infallible network, calls are bound by the `context.Context` you give
// them and may never get an answer.
//
// State of each registry is owned by a single goroutine, readers get
// immutable snapshots. Nothing a peer sends can block another peer.
package caphub
