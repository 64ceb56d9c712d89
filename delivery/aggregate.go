package delivery

// Aggregate derives a delivery's status and progress from its platforms.
//
// While any platform is still working the delivery reports the furthest
// in-progress stage. Once all have finished it is delivered only if every
// platform delivered, failed if any failed or was rejected, and cancelled
// otherwise. Progress is the integer mean of platform progress.
func Aggregate(platforms map[PlatformID]*PlatformDelivery) (Status, int) {
	if len(platforms) == 0 {
		return StatusPending, 0
	}

	var (
		sum         int
		furthest    Status
		inProgress  bool
		allDone     = true
		anyFailed   bool
		furthestRun = -1
	)
	for _, pd := range platforms {
		sum += pd.Progress
		switch {
		case pd.Status.InProgress():
			inProgress = true
			allDone = false
			if s := stage[pd.Status]; s > furthestRun {
				furthestRun = s
				furthest = pd.Status
			}
		case pd.Status == StatusFailed || pd.Status == StatusRejected:
			anyFailed = true
			allDone = false
		case pd.Status != StatusDelivered:
			allDone = false
		}
	}
	progress := sum / len(platforms)

	switch {
	case inProgress:
		return furthest, progress
	case allDone:
		return StatusDelivered, progress
	case anyFailed:
		return StatusFailed, progress
	default:
		return StatusCancelled, progress
	}
}
