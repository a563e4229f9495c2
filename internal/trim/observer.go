package trim

// Observer receives loop progress. Calls happen on the loop's goroutine in
// order; implementations must not block for long.
type Observer interface {
	AttemptEvaluated(ev Evaluation)
	ControlAdjusted(attempt int, from, to float64)
	Finished(r *Report)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) AttemptEvaluated(Evaluation) {}
func (NopObserver) ControlAdjusted(int, float64, float64) {}
func (NopObserver) Finished(*Report) {}

type observers []Observer

func (list observers) AttemptEvaluated(ev Evaluation) {
	for _, o := range list {
		if o != nil {
			o.AttemptEvaluated(ev)
		}
	}
}

func (list observers) ControlAdjusted(attempt int, from, to float64) {
	for _, o := range list {
		if o != nil {
			o.ControlAdjusted(attempt, from, to)
		}
	}
}

func (list observers) Finished(r *Report) {
	for _, o := range list {
		if o != nil {
			o.Finished(r)
		}
	}
}
