package deploy

// Stage is one step of the deploy pipeline. Stages run strictly in
// sequence; every stage from lockAcquired onward has a single escape
// edge into rollback.
type Stage string

const (
	StageInit                 Stage = "init"
	StagePrerequisitesChecked Stage = "prerequisitesChecked"
	StageLockAcquired         Stage = "lockAcquired"
	StageEnvironmentPrepared  Stage = "environmentPrepared"
	StageSourceFetched        Stage = "sourceFetched"
	StageTested               Stage = "tested"
	StageBackedUp             Stage = "backedUp"
	StageServicesStopped      Stage = "servicesStopped"
	StageCodeUpdated          Stage = "codeUpdated"
	StageServicesStarted      Stage = "servicesStarted"
	StageMigrated             Stage = "migrated"
	StageHealthChecked        Stage = "healthChecked"
	StageCleanedUp            Stage = "cleanedUp"
	StageRolledBack           Stage = "rolledBack"
)

// Sequence returns the forward pipeline in execution order
func Sequence() []Stage {
	return []Stage{
		StageInit,
		StagePrerequisitesChecked,
		StageLockAcquired,
		StageEnvironmentPrepared,
		StageSourceFetched,
		StageTested,
		StageBackedUp,
		StageServicesStopped,
		StageCodeUpdated,
		StageServicesStarted,
		StageMigrated,
		StageHealthChecked,
		StageCleanedUp,
	}
}

// index returns the stage's position in the forward sequence, or -1
// for rolledBack
func (s Stage) index() int {
	for i, stage := range Sequence() {
		if stage == s {
			return i
		}
	}
	return -1
}

// Next returns the following forward stage; ok is false at the end of
// the pipeline or off it
func (s Stage) Next() (Stage, bool) {
	i := s.index()
	seq := Sequence()
	if i < 0 || i+1 >= len(seq) {
		return s, false
	}
	return seq[i+1], true
}

// Reached reports whether this stage is at or past other in the
// forward sequence
func (s Stage) Reached(other Stage) bool {
	si, oi := s.index(), other.index()
	return si >= 0 && oi >= 0 && si >= oi
}

// RollbackEligible reports whether a failure at this stage triggers
// rollback. Failures before the lock is held leave nothing to undo.
func (s Stage) RollbackEligible() bool {
	return s.Reached(StageLockAcquired)
}

// Terminal reports whether the pipeline stops at this stage
func (s Stage) Terminal() bool {
	return s == StageCleanedUp || s == StageRolledBack
}
