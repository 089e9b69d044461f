package taskname

const (
	// License tasks
	LicenseStatusSweep = "license:status:sweep"
)
