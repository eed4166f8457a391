package expansion

import (
	"fmt"
	"strconv"
	"strings"
)

// State is a download status code shared between the engine and its sinks.
// The numeric values are stable and may be persisted or sent over the wire.
type State int

const (
	StateIdle        State = 1
	StateFetchingURL State = 2
	StateConnecting  State = 3
	StateDownloading State = 4
	StateCompleted   State = 5

	StatePausedNetworkUnavailable State = 6
	StatePausedByRequest          State = 7

	// Both of these imply the unmetered network is unavailable and that
	// granting cellular permission would let the download continue.
	StatePausedWifiDisabledNeedCellularPermission State = 8
	StatePausedNeedCellularPermission             State = 9

	// Unmetered network is unavailable and cellular permission would not
	// help. The engine never reports these itself.
	StatePausedWifiDisabled State = 10
	StatePausedNeedWifi     State = 11

	StatePausedRoaming State = 12

	// The network delivered something other than the expected file,
	// typically a captive portal or a misconfigured mirror.
	StatePausedNetworkSetupFailure State = 13

	StatePausedStorageUnavailable State = 14

	StateFailedUnlicensed  State = 15
	StateFailedFetchingURL State = 16
	StateFailedStorageFull State = 17
	StateFailedCanceled    State = 18

	StateFailed State = 19
)

var stateNames = map[State]string{
	StateIdle:        "idle",
	StateFetchingURL: "fetching_url",
	StateConnecting:  "connecting",
	StateDownloading: "downloading",
	StateCompleted:   "completed",

	StatePausedNetworkUnavailable:                 "paused_network_unavailable",
	StatePausedByRequest:                          "paused_by_request",
	StatePausedWifiDisabledNeedCellularPermission: "paused_wifi_disabled_need_cellular_permission",
	StatePausedNeedCellularPermission:             "paused_need_cellular_permission",
	StatePausedWifiDisabled:                       "paused_wifi_disabled",
	StatePausedNeedWifi:                           "paused_need_wifi",
	StatePausedRoaming:                            "paused_roaming",
	StatePausedNetworkSetupFailure:                "paused_network_setup_failure",
	StatePausedStorageUnavailable:                 "paused_storage_unavailable",

	StateFailedUnlicensed:  "failed_unlicensed",
	StateFailedFetchingURL: "failed_fetching_url",
	StateFailedStorageFull: "failed_storage_full",
	StateFailedCanceled:    "failed_canceled",
	StateFailed:            "failed",
}

var stateDescriptions = map[State]string{
	StateIdle:        "Waiting for download to start",
	StateFetchingURL: "Looking for resources to download",
	StateConnecting:  "Connecting to the download server",
	StateDownloading: "Downloading resources",
	StateCompleted:   "Download finished",

	StatePausedNetworkUnavailable:                 "Download paused because no network is available",
	StatePausedByRequest:                          "Download paused",
	StatePausedWifiDisabledNeedCellularPermission: "Download paused because wifi is disabled",
	StatePausedNeedCellularPermission:             "Download paused because wifi is unavailable",
	StatePausedWifiDisabled:                       "Download paused because wifi is disabled",
	StatePausedNeedWifi:                           "Download paused because wifi is unavailable",
	StatePausedRoaming:                            "Download paused because you are roaming",
	StatePausedNetworkSetupFailure:                "Download paused. Test a website in your browser",
	StatePausedStorageUnavailable:                 "Download paused because the external storage is unavailable",

	StateFailedUnlicensed:  "Download failed because you may not have purchased this app",
	StateFailedFetchingURL: "Download failed because the resources could not be found",
	StateFailedStorageFull: "Download failed because there is not enough free space",
	StateFailedCanceled:    "Download cancelled",
	StateFailed:            "Download failed",
}

// String returns the snake_case name of the state.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// Description returns a human-readable sentence for the state.
func (s State) Description() string {
	if d, ok := stateDescriptions[s]; ok {
		return d
	}
	return "Unknown state"
}

// IsPaused reports whether the state is retryable by invoking the engine again.
func (s State) IsPaused() bool {
	return s >= StatePausedNetworkUnavailable && s <= StatePausedStorageUnavailable
}

// IsFailed reports whether the state is a terminal failure.
func (s State) IsFailed() bool {
	return s >= StateFailedUnlicensed && s <= StateFailed
}

// IsTerminal reports whether a run ends in this state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s.IsPaused() || s.IsFailed()
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts either a state name or its numeric code.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState parses a state name (case-insensitive) or numeric code.
func ParseState(v string) (State, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if _, ok := stateNames[State(n)]; ok {
			return State(n), nil
		}
		return 0, fmt.Errorf("unknown state code: %d", n)
	}
	for st, name := range stateNames {
		if strings.EqualFold(name, v) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown state: %q", v)
}
