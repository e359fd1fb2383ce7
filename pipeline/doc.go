// Package pipeline implements the point-to-point TCP data channels that
// carry bulk data between devices, next to the broker.
//
// # Overview
//
// An OutputChannel listens on a TCP port and advertises itself through
// slotGetOutputChannelInformation. An InputChannel resolves
// "<deviceId>:<channel>" to that endpoint, connects and says hello:
//
//	{reason: "hello", instanceId, dataDistribution, onSlowness,
//	 memoryLocation, maxQueueLength}
//
// From then on the output sends one frame and waits for the input's
// {reason: "update"} before sending the next. The input sends the update
// once its handlers are done with the frame, so frames the input cannot
// take yet stay in a per-connection queue of maxQueueLength on the output
// side, where the input's onSlowness decides what happens when it fills up.
//
// # Framing
//
// A frame is a uint32 little-endian header length, the header Hash, a
// uint32 body length and the body. The header of a data frame holds nData,
// byteSizes and sourceInfo (source and timestamp per item); the body is
// the concatenated item Hashes. An endOfStream frame has the header
// {endOfStream: true} and an empty body.
//
// # Distribution
//
// Copy inputs each receive every frame. Shared inputs receive frames
// round-robin, skipping inputs without room; when none has room the
// output's NoInputShared policy applies. A wait-mode input blocks the
// producer only after every other input has been served.
package pipeline
