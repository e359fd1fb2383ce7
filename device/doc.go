// Package device is the device runtime: a configurable object with a
// published schema, a state and a broker identity.
//
// # Overview
//
// A device class is a Class value: schema describers, state transitions
// and a Factory. The runtime adds the standard parameters (deviceId,
// classId, serverId, visibility, archive, heartbeatInterval, state,
// status), validates the initial configuration and serves the standard
// slots:
//
//	slotGetConfiguration            -> (configuration, deviceId)
//	slotGetConfigurationSlice(paths) -> (configuration)
//	slotGetSchema(onlyCurrentState)  -> (schema, deviceId)
//	slotReconfigure(config)
//	slotKillDevice                  -> (true)
//	slotGetTime                     -> ({time, reference, timeServerId})
//	slotLoggerPriority(level)
//
// Every property update goes out as signalChanged(delta, deviceId) with
// sec, frac and tid attributes on each value.
//
// # Behaviour
//
// The Factory registers class slots with Device.RegisterSlot and returns
// a behaviour value. When that value implements Initializer, Destroyer or
// Reconfigurer the runtime calls it at the matching point of the
// lifecycle.
//
//	class := device.Class{
//		ClassID:      "Motor",
//		InitialState: device.Off,
//		Parameters: []schema.Describer{func(b *schema.Builder) {
//			b.Double("position").Reconfigurable().AllowedStates("ON").Commit()
//			b.Slot("start").Commit()
//		}},
//		Transitions: []device.Transition{{Event: "start", From: []device.State{device.Off}, To: device.On}},
//		Factory: func(d *device.Device) (any, error) {
//			d.RegisterSlot("start", startMotor)
//			return nil, nil
//		},
//	}
//
// # Pipelines
//
// Output and input channels declared in the schema with OutputChannel and
// InputChannel are opened by Start. Inputs follow their
// connectedOutputChannels property, also when it is reconfigured.
package device
