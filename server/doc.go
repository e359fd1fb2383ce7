// Package server is the device server: a process-level instance that hosts
// devices and instantiates them on request.
//
// # Overview
//
// New scans a plugin namespace (see device.Provide) for device classes,
// optionally restricted to Config.DeviceClasses, and caches their schemas.
// Start brings the server online and starts the devices listed in
// Config.Init. With ScanPlugins set the namespace is rescanned and new
// classes are announced through the instance info.
//
// Slots:
//
//	slotGetClassSchema(classId)        -> (schema, classId, serverId)
//	slotStartDevice({classId, deviceId, configuration})
//	                                   -> (true, deviceId) | (false, reason)
//	slotKillDevice(deviceId)           -> (bool)
//	slotKillServer                     -> (true)
//	slotTimeTick(trainId, sec, frac, period)
//	slotGetTime                        -> ({time, reference, timeServerId})
//	slotLoggerPriority(level)
//
// Concurrent slotStartDevice calls for one id are serialized: one wins and
// the others answer (false, "id in use"). An id already seen alive in the
// topology is rejected the same way.
//
// # Time
//
// With a TimeServerID the server connects the time server's
// signalTimeTick. Hosted devices stamp their properties with the server
// clock, which extrapolates train ids from the last tick.
//
// # Persistence
//
// With a DataDir every started device leaves its initial configuration in
// <DataDir>/<serverId>/<deviceId>.xml. LoadConfiguration reads it back.
package server
