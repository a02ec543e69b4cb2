package policy

// CollectPolicy isolates failures: each failed ID is recorded and the
// batch continues.
type CollectPolicy struct {
	log failureLog
}

// NewCollectPolicy creates a collecting policy.
func NewCollectPolicy() *CollectPolicy {
	return &CollectPolicy{}
}

// Handle records id and swallows err. Callers log err before handing it
// over.
func (p *CollectPolicy) Handle(id string, _ error) error {
	p.log.record(id)
	return nil
}

// Failures returns the recorded IDs in failure order.
func (p *CollectPolicy) Failures() []string {
	return p.log.snapshot()
}

// Name implements Policy.
func (p *CollectPolicy) Name() string { return "collect" }
