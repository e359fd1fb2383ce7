// Package config reads the settings of Karabo binaries.
//
// # Overview
//
// Two sources are combined. The environment, read by LoadEnv through
// envconfig, names the broker and shapes logging and limits:
//
//	KARABO_BROKER                 comma separated broker URLs (mem://local)
//	KARABO_BROKER_TOPIC           broker topic ($USER, then "karabo")
//	KARABO_LOG_LEVEL              DEBUG, INFO, WARN or ERROR (INFO)
//	KARABO_LOG_FORMAT             json or text (text)
//	KARABO_METRICS_PORT           port of /metrics, 0 disables it
//	KARABO_MAX_BUFFERED_MESSAGES  publishes kept while disconnected (1000)
//	KARABO_MAX_QUEUED_PER_PEER    inbound queue bound per peer (1000)
//
// The device server command line is a list of key=value tokens parsed by
// ParseServerArgs. Devices to start are given as JSON:
//
//	karabo-deviceserver serverId=srv \
//	    init='{"dev1": {"classId": "PropertyTest", "integer": 3}}'
//
// # Server Files
//
// A config=<file.yaml> token loads the same keys from YAML. Explicit tokens
// override the file:
//
//	serverId: srv
//	heartbeatInterval: 15
//	deviceClasses: [PropertyTest]
//	init:
//	  dev1:
//	    classId: PropertyTest
//	    configuration:
//	      integer: 3
//
// Every parse failure wraps errors.ErrInvalidConfig and is classified as
// invalid, which the binary reports with exit code 65.
package config
