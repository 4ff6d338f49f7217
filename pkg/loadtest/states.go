package loadtest

type slaveState string

// Slave lifecycle states, as driven by the remote control protocol.
const (
	slaveListening       slaveState = "listening"
	slaveReady           slaveState = "ready"
	slaveWarmedUp        slaveState = "warmed_up"
	slaveRunning         slaveState = "running"
	slaveResultAvailable slaveState = "result_available"
	slaveStopped         slaveState = "stopped"
)

// Remote slave states as observed by the master.
const (
	remoteUnknown   slaveState = "unknown"
	remoteAlive     slaveState = "alive"
	remoteFailed    slaveState = "failed"
	remoteCompleted slaveState = "completed"
	remoteMissing   slaveState = "missing"
)

var allSlaveStates = []slaveState{
	slaveListening, slaveReady, slaveWarmedUp, slaveRunning, slaveResultAvailable, slaveStopped,
	remoteUnknown, remoteAlive, remoteFailed, remoteCompleted, remoteMissing,
}
