package caphub

import (
	"slices"
)

// Device is an entry of the device directory.
//
// Peer is the node we learnt the device from, Owner the node the device
// is attached to. A record is authoritative when both are the same.
type Device struct {
	ID      string
	Peer    string
	Owner   string
	Methods []string
	Local   bool
}

func (d Device) Authoritative() bool {
	return d.Peer == d.Owner
}

func (d Device) clone() Device {
	d.Methods = slices.Clone(d.Methods)
	return d
}

func (d *Device) announce(peer string) deviceMsg {
	methods := d.Methods
	if methods == nil {
		methods = []string{}
	}
	return deviceMsg{
		ID:      d.ID,
		Peer:    peer,
		Owner:   d.Owner,
		Methods: methods,
	}
}

// DeviceRegistry is a directory of the devices attached to any node we
// can reach. Announcements are relayed so a device is known beyond the
// nodes directly connected to its owner.
type DeviceRegistry struct {
	registry
	devices      *table[*Device]
	connected    listeners[Device]
	disconnected listeners[Device]
}

func NewDeviceRegistry(network Network, cfg *RegistryConfig) *DeviceRegistry {
	reg := &DeviceRegistry{
		registry: newRegistry(network, cfg, "device"),
		devices:  newTable[*Device](),
	}
	reg.unsubscribe = network.Subscribe(deviceListener{reg})
	return reg
}

// Register attaches a device to our node and announces it to every
// connected node. Registering again replaces the methods of the device.
func (reg *DeviceRegistry) Register(id string, methods ...string) (Device, error) {
	if id == "" {
		return Device{}, ErrInvalidID
	}

	var registered Device
	err := reg.loop.do(func() {
		if previous, ok := reg.devices.get(id); ok && !previous.Local {
			reg.emitDisconnected(previous)
		}

		d := &Device{
			ID:      id,
			Peer:    reg.selfID,
			Owner:   reg.selfID,
			Methods: slices.Clone(methods),
			Local:   true,
		}
		reg.devices.put(id, d)
		if err := reg.network.Broadcast(MsgDevice, d.announce(reg.selfID)); err != nil {
			reg.logger.Error("could not announce device", LabelDeviceID.L(id), LabelError.L(err))
		}
		reg.emitConnected(d)
		registered = d.clone()
	})
	return registered, err
}

// Unregister detaches one of our devices and retracts it from the
// network.
func (reg *DeviceRegistry) Unregister(id string) error {
	var err error
	if lerr := reg.loop.do(func() {
		d, ok := reg.devices.get(id)
		if !ok || !d.Local {
			err = ErrUnknownDevice
			return
		}
		reg.devices.delete(id)
		reg.incr(MetricDeviceRemovedCount, LabelDeviceID.M(id))
		_ = reg.network.Broadcast(MsgDeviceDisconnected, deviceDisconnectedMsg{ID: id, Peer: reg.selfID})
		reg.emitDisconnected(d)
	}); lerr != nil {
		return lerr
	}
	return err
}

// Get returns the device named `id`.
func (reg *DeviceRegistry) Get(id string) (Device, bool) {
	d, ok := reg.devices.get(id)
	if !ok {
		return Device{}, false
	}
	return d.clone(), true
}

// List returns every known device ordered by id.
func (reg *DeviceRegistry) List() []Device {
	return reg.Scan("")
}

// Scan returns the devices whose id starts with `prefix`.
func (reg *DeviceRegistry) Scan(prefix string) []Device {
	found := reg.devices.scan(prefix)
	devices := make([]Device, 0, len(found))
	for _, d := range found {
		devices = append(devices, d.clone())
	}
	return devices
}

// OnDeviceConnected calls `fn` for every device added or changed.
func (reg *DeviceRegistry) OnDeviceConnected(fn func(Device)) (cancel func()) {
	_, remove := reg.connected.add(fn)
	return func() { remove() }
}

// OnDeviceDisconnected calls `fn` for every device removed.
func (reg *DeviceRegistry) OnDeviceDisconnected(fn func(Device)) (cancel func()) {
	_, remove := reg.disconnected.add(fn)
	return func() { remove() }
}

// Close stops the registry. Pending notifications are still delivered.
func (reg *DeviceRegistry) Close() {
	reg.close()
}

func (reg *DeviceRegistry) emitConnected(d *Device) {
	dev := d.clone()
	reg.notify.post(func() { reg.connected.emit(dev) })
}

func (reg *DeviceRegistry) emitDisconnected(d *Device) {
	dev := d.clone()
	reg.notify.post(func() { reg.disconnected.emit(dev) })
}

func (reg *DeviceRegistry) handleDevice(from *Node, msg deviceMsg) {
	logger := reg.logger.With(LabelDeviceID.L(msg.ID), LabelNodeID.L(from.ID()))
	if msg.ID == "" || msg.Owner == "" {
		logger.Warn("dropping malformed device announcement")
		reg.incr(MetricDeviceRejectedCount, LabelError.M("malformed"))
		return
	}

	// Nobody knows our devices better than we do, a stale relay must not
	// resurrect one we removed.
	if msg.Owner == reg.selfID {
		reg.incr(MetricDeviceRejectedCount, LabelError.M("own_device"))
		return
	}

	incoming := &Device{
		ID:      msg.ID,
		Peer:    from.ID(),
		Owner:   msg.Owner,
		Methods: slices.Clone(msg.Methods),
	}

	existing, known := reg.devices.get(msg.ID)
	if known {
		if existing.Local {
			logger.Debug("ignoring announcement of a local device")
			reg.incr(MetricDeviceRejectedCount, LabelError.M("local"))
			return
		}
		if existing.Authoritative() && incoming.Peer != existing.Peer {
			logger.Debug("ignoring relayed announcement of a device we know first-hand")
			reg.incr(MetricDeviceRejectedCount, LabelError.M("not_authoritative"))
			return
		}
		// Relays of the same record keep the first peer, otherwise two
		// relays linked to each other end up pointing at one another and
		// never see the retraction.
		if !incoming.Authoritative() && incoming.Peer != existing.Peer &&
			incoming.Owner == existing.Owner &&
			slices.Equal(incoming.Methods, existing.Methods) {
			reg.incr(MetricDeviceRejectedCount, LabelError.M("duplicate_relay"))
			return
		}
	}

	reg.devices.put(msg.ID, incoming)
	reg.incr(MetricDeviceAnnouncedCount)

	changed := !known ||
		existing.Peer != incoming.Peer ||
		existing.Owner != incoming.Owner ||
		!slices.Equal(existing.Methods, incoming.Methods)
	if !changed {
		return
	}
	logger.Debug("device connected", "owner", msg.Owner)
	reg.emitConnected(incoming)

	if !known || !slices.Equal(existing.Methods, incoming.Methods) {
		relay := incoming.announce(reg.selfID)
		for _, id := range reg.otherNodes(from.ID(), msg.Owner) {
			_ = reg.network.Send(id, MsgDevice, relay)
		}
	}
}

func (reg *DeviceRegistry) handleDeviceDisconnected(from *Node, msg deviceDisconnectedMsg) {
	existing, ok := reg.devices.get(msg.ID)
	if !ok || existing.Local || existing.Peer != msg.Peer {
		return
	}
	reg.remove(existing, from.ID())
}

// remove drops a remote record and retracts it from the nodes we may
// have relayed it to.
func (reg *DeviceRegistry) remove(d *Device, except string) {
	reg.devices.delete(d.ID)
	reg.incr(MetricDeviceRemovedCount)
	reg.logger.Debug("device disconnected", LabelDeviceID.L(d.ID), "peer", d.Peer)
	reg.emitDisconnected(d)

	retract := deviceDisconnectedMsg{ID: d.ID, Peer: reg.selfID}
	for _, id := range reg.otherNodes(except) {
		_ = reg.network.Send(id, MsgDeviceDisconnected, retract)
	}
}

func (reg *DeviceRegistry) nodeAvailable(node *Node) {
	for _, d := range reg.devices.scan("") {
		if node.ID() == d.Peer || node.ID() == d.Owner {
			continue
		}
		_ = reg.network.Send(node.ID(), MsgDevice, d.announce(reg.selfID))
	}
}

func (reg *DeviceRegistry) nodeUnavailable(node *Node) {
	for _, d := range reg.devices.scan("") {
		if d.Local || d.Peer != node.ID() {
			continue
		}
		reg.remove(d, node.ID())
	}
}

// deviceListener feeds the registry loop from the transport.
type deviceListener struct {
	reg *DeviceRegistry
}

func (l deviceListener) NodeAvailable(node *Node) {
	l.reg.loop.post(func() { l.reg.nodeAvailable(node) })
}

func (l deviceListener) NodeUnavailable(node *Node) {
	l.reg.loop.post(func() { l.reg.nodeUnavailable(node) })
}

func (l deviceListener) HandleMessage(msg Message) {
	switch msg.Type {
	case MsgDevice:
		var announce deviceMsg
		if err := msg.Decode(&announce); err != nil {
			l.reg.logger.Warn("invalid device message", LabelError.L(err))
			return
		}
		l.reg.loop.post(func() { l.reg.handleDevice(msg.ReturnPath, announce) })
	case MsgDeviceDisconnected:
		var retract deviceDisconnectedMsg
		if err := msg.Decode(&retract); err != nil {
			l.reg.logger.Warn("invalid device message", LabelError.L(err))
			return
		}
		l.reg.loop.post(func() { l.reg.handleDeviceDisconnected(msg.ReturnPath, retract) })
	}
}
