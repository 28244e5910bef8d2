// Package firmware updates the attached node's firmware and the probe's own
// binary. Both updaters are explicit state machines; the device updater has a
// point of no return after which any failure is recovered by rebooting.
package firmware

// State is one step of an updater run.
type State int

const (
	Idle State = iota
	CheckingVersion
	UpToDate
	Downloading
	Verifying
	EnteringBootloader
	AwaitingBootloaderDevice
	Mounting
	Copying
	Cleanup
	Done
	Deploying
	RewritingLauncher
	Rebooting
	Aborted
)

var stateNames = map[State]string{
	Idle:                     "Idle",
	CheckingVersion:          "CheckingVersion",
	UpToDate:                 "UpToDate",
	Downloading:              "Downloading",
	Verifying:                "Verifying",
	EnteringBootloader:       "EnteringBootloader",
	AwaitingBootloaderDevice: "AwaitingBootloaderDevice",
	Mounting:                 "Mounting",
	Copying:                  "Copying",
	Cleanup:                  "Cleanup",
	Done:                     "Done",
	Deploying:                "Deploying",
	RewritingLauncher:        "RewritingLauncher",
	Rebooting:                "Rebooting",
	Aborted:                  "Aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case UpToDate, Done, Rebooting, Aborted:
		return true
	}
	return false
}

// pastNoReturn reports whether a device-update failure in s leaves the node
// in an unknown state.
func (s State) pastNoReturn() bool {
	switch s {
	case EnteringBootloader, AwaitingBootloaderDevice, Mounting, Copying, Cleanup:
		return true
	}
	return false
}

// Result describes a finished run.
type Result struct {
	From     uint32
	To       uint32
	Final    State
	Failed   State
	Rebooted bool
	Err      error
}
