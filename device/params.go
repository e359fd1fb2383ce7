package device

import (
	"github.com/c360/karabo/pipeline"
	"github.com/c360/karabo/schema"
)

// Standard parameter paths.
const (
	KeyDeviceID          = "deviceId"
	KeyClassID           = "classId"
	KeyServerID          = "serverId"
	KeyVisibility        = "visibility"
	KeyArchive           = "archive"
	KeyHeartbeatInterval = "heartbeatInterval"
	KeyState             = "state"
	KeyStatus            = "status"
)

// Output and input channel child parameters.
const (
	KeyHostname                = "hostname"
	KeyPort                    = "port"
	KeyNoInputShared           = "noInputShared"
	KeyConnectedOutputChannels = "connectedOutputChannels"
	KeyDataDistribution        = "dataDistribution"
	KeyOnSlowness              = "onSlowness"
	KeyMaxQueueLength          = "maxQueueLength"
)

var slownessOptions = []any{
	string(pipeline.Wait), string(pipeline.Drop), string(pipeline.Queue),
	string(pipeline.QueueDrop), string(pipeline.Throw),
}

func standardParameters(classID string) schema.Describer {
	return func(b *schema.Builder) {
		b.String(KeyDeviceID).Init().Internal().
			DisplayedName("DeviceID").Description("The device instance id").Commit()
		b.String(KeyClassID).ReadOnly().Default(classID).
			DisplayedName("ClassID").Description("The device class").Commit()
		b.String(KeyServerID).Init().Internal().Default("").
			DisplayedName("ServerID").Description("The server hosting the device").Commit()
		b.Int32(KeyVisibility).Init().Default(int32(4)).MinInc(int32(0)).MaxInc(int32(7)).
			DisplayedName("Visibility").Description("Access level needed to see the device").Commit()
		b.Bool(KeyArchive).Init().Default(true).
			DisplayedName("Archive").Description("Whether the device is archived").Commit()
		b.Int32(KeyHeartbeatInterval).Init().Default(int32(20)).MinInc(int32(1)).Unit("s").
			DisplayedName("Heartbeat interval").Description("Seconds between two heartbeats").Commit()

		states := make([]any, len(knownStates))
		for i, s := range knownStates {
			states[i] = string(s)
		}
		b.String(KeyState).ReadOnly().DisplayType(schema.DisplayState).
			Default(string(Unknown)).Options(states...).
			DisplayedName("State").Description("The current state of the device").Commit()
		b.String(KeyStatus).ReadOnly().Default("").
			DisplayedName("Status").Description("A human readable status").Commit()
	}
}

// OutputChannel declares an output channel at path with its standard
// children.
func OutputChannel(b *schema.Builder, path string) {
	b.OutputChannel(path).DisplayedName(path).Commit()
	b.String(path + "." + KeyHostname).Init().Default("").
		Description("Address advertised to inputs; empty uses the host name").Commit()
	b.UInt32(path + "." + KeyPort).Init().Default(uint32(0)).
		Description("Listening port; 0 picks a free one").Commit()
	b.String(path + "." + KeyNoInputShared).Init().Default(string(pipeline.Drop)).
		Options(slownessOptions...).
		Description("What to do when no shared input has room").Commit()
}

// InputChannel declares an input channel at path with its standard
// children.
func InputChannel(b *schema.Builder, path string) {
	b.InputChannel(path).DisplayedName(path).Commit()
	b.VectorString(path + "." + KeyConnectedOutputChannels).Reconfigurable().Default([]string{}).
		Description("Outputs to read from, as <deviceId>:<channel>").Commit()
	b.String(path+"."+KeyDataDistribution).Init().Default(string(pipeline.Copy)).
		Options(string(pipeline.Copy), string(pipeline.Shared)).Commit()
	b.String(path + "." + KeyOnSlowness).Init().Default(string(pipeline.Drop)).
		Options(slownessOptions...).Commit()
	b.UInt32(path + "." + KeyMaxQueueLength).Init().
		Default(uint32(pipeline.DefaultMaxQueueLength)).
		MinInc(uint32(1)).MaxInc(uint32(pipeline.MaxQueueLengthLimit)).Commit()
}
