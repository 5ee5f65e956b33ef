package appstream

import "time"

// restartFleetTimeout bounds the stop+start pair issued by RestartFleet.
// A fleet restart is a heavyweight provider operation and routinely takes
// longer than a single describe or expire call.
const restartFleetTimeout = 5 * time.Minute
