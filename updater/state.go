package updater

// State is the phase of a sync cycle.
type State int32

const (
	// Idle waits for the next tick.
	Idle State = iota
	// Fetching reads the roster from the directory.
	Fetching
	// Building derives a zone from the roster.
	Building
	// Publishing swaps the zone in and pushes the resolver settings.
	Publishing
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "fetching"
	case Building:
		return "building"
	case Publishing:
		return "publishing"
	default:
		return "idle"
	}
}
