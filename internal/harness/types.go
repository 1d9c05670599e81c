package harness

// AttemptTrace is one executor attempt as observed during a step.
type AttemptTrace struct {
	Name        string `json:"name"`
	Number      int    `json:"number"`
	Disposition string `json:"disposition"`
	Reset       bool   `json:"reset,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StepResult is what one step produced.
type StepResult struct {
	Name          string `json:"name"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Code          int    `json:"code,omitempty"`
	Kind          string `json:"kind,omitempty"`
	Message       string `json:"message,omitempty"`
	// Body is what reached the client.
	Body         string         `json:"body,omitempty"`
	HeaderWrites int            `json:"header_writes"`
	Attempts     []AttemptTrace `json:"attempts"`

	// handlerAttempts is Outcome.Attempts. Authentication attempts are in
	// Attempts but not counted here.
	handlerAttempts int
	headers         map[string]string
	unused          int
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass   bool         `json:"pass"`
	Steps  []StepResult `json:"steps"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepResult{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Step returns the result of the named step.
func (r *Result) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}
