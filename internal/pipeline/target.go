package pipeline

// Target identifies what is being observed: a specific run, or whatever
// run is current for a project. RunID wins when both are set.
type Target struct {
	RunID string
	DDID  string
}

// IsZero reports whether t identifies nothing.
func (t Target) IsZero() bool {
	return t.RunID == "" && t.DDID == ""
}

// Key is a stable identity for comparing targets.
func (t Target) Key() string {
	if t.RunID != "" {
		return "run:" + t.RunID
	}
	if t.DDID != "" {
		return "dd:" + t.DDID
	}
	return ""
}

func (t Target) String() string { return t.Key() }
