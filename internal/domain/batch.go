package domain

// UnitState is the lifecycle of one batch slot.
type UnitState string

const (
	UnitPending   UnitState = "pending"
	UnitInFlight  UnitState = "in_flight"
	UnitSucceeded UnitState = "succeeded"
	UnitFailed    UnitState = "failed"
)

// Terminal reports whether the unit has a final outcome.
func (s UnitState) Terminal() bool {
	return s == UnitSucceeded || s == UnitFailed
}

// Artifact is what a succeeded unit produced: a video job to poll or an
// inline image.
type Artifact struct {
	Video *VideoJob
	Image *ComposedImage
}

// BatchUnit is one slot in a batch of requested outputs.
type BatchUnit struct {
	Index    int
	State    UnitState
	Server   string
	Artifact *Artifact
	Err      error
	Kind     ErrorKind
}

// Succeed moves the unit to its success state.
func (u *BatchUnit) Succeed(artifact *Artifact) {
	u.State = UnitSucceeded
	u.Artifact = artifact
	u.Err = nil
	u.Kind = ErrorKindNone
}

// Fail moves the unit to its failure state.
func (u *BatchUnit) Fail(err error) {
	u.State = UnitFailed
	u.Artifact = nil
	u.Err = err
	u.Kind = Classify(err)
}
