package policy

// StrictPolicy fails fast: the first failure aborts the batch with the
// underlying error.
type StrictPolicy struct {
	log failureLog
}

// NewStrictPolicy creates a strict policy.
func NewStrictPolicy() *StrictPolicy {
	return &StrictPolicy{}
}

// Handle records id and returns err unchanged.
func (p *StrictPolicy) Handle(id string, err error) error {
	p.log.record(id)
	return err
}

// Failures returns the recorded IDs. Under strict there is at most one.
func (p *StrictPolicy) Failures() []string {
	return p.log.snapshot()
}

// Name implements Policy.
func (p *StrictPolicy) Name() string { return "strict" }
