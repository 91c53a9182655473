package model

// ReconcileResult counts the outcomes of one Reconcile call.
// Processed covers every candidate that was due, whatever its outcome.
type ReconcileResult struct {
	Processed int `json:"processed"`
	Suspended int `json:"suspended"`
	Expired   int `json:"expired"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

func (r *ReconcileResult) Add(o ReconcileResult) {
	r.Processed += o.Processed
	r.Suspended += o.Suspended
	r.Expired += o.Expired
	r.Skipped += o.Skipped
	r.Errors += o.Errors
}

// Summary is what every trigger surface returns.
type Summary struct {
	Surface        string `json:"surface"`
	TotalUsers     int    `json:"totalUsers"`
	TotalInstances int    `json:"totalInstances"`
	TotalProcessed int    `json:"totalProcessed"`
	TotalSuspended int    `json:"totalSuspended"`
	TotalExpired   int    `json:"totalExpired"`
	TotalSkipped   int    `json:"totalSkipped"`
	TotalErrors    int    `json:"totalErrors"`
	Skipped        bool   `json:"skipped,omitempty"`
	Message        string `json:"message,omitempty"`
}

func (s *Summary) Apply(r ReconcileResult) {
	s.TotalProcessed += r.Processed
	s.TotalSuspended += r.Suspended
	s.TotalExpired += r.Expired
	s.TotalSkipped += r.Skipped
	s.TotalErrors += r.Errors
}

// SweepResult counts the outcomes of a drift sweep.
type SweepResult struct {
	Checked     int `json:"checked"`
	Unsuspended int `json:"unsuspended"`
	Errors      int `json:"errors"`
}
