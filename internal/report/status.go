package report

// Combine derives a composite node's status from its children.
//
// Any failure wins, then aborted, then unstable. Skipped children are
// compatible with success, so a node whose children were all skipped succeeds.
func Combine(children []Status) Status {
	var aborted, unstable bool
	for _, st := range children {
		switch st {
		case StatusFailure:
			return StatusFailure
		case StatusAborted:
			aborted = true
		case StatusUnstable:
			unstable = true
		}
	}
	switch {
	case aborted:
		return StatusAborted
	case unstable:
		return StatusUnstable
	default:
		return StatusSuccess
	}
}

// Escalate applies a post-hook verdict to an already computed status.
// Only success can be downgraded; failure, aborted and skipped are final.
func Escalate(current Status) Status {
	if current == StatusSuccess {
		return StatusUnstable
	}
	return current
}

// Terminal reports whether the status ends a sequential walk.
func (s Status) Terminal() bool {
	return s == StatusFailure || s == StatusAborted
}
