package pipeline

// Public returns a copy of r safe to hand to callers and stream
// subscribers. Agent error text can carry backend addresses, response
// bodies or panic values, so every error message is replaced by a fixed
// text for its kind. Observers receive the unredacted result.
func (r PipelineResult) Public() PipelineResult {
	out := r
	if r.Stages != nil {
		out.Stages = make([]StageOutcome, len(r.Stages))
		for i, st := range r.Stages {
			if st.Result.Err != nil {
				msg := publicMessage(st.Result.Err.Kind)
				if st.Result.Err.Kind == ErrKindFallbacksExhausted {
					msg = exhaustedMessage(st.Role)
				}
				st.Result.Err = &AgentError{Kind: st.Result.Err.Kind, Message: msg}
			}
			out.Stages[i] = st
		}
	}
	if r.StageDiagnostics != nil {
		out.StageDiagnostics = make([]Diagnostic, len(r.StageDiagnostics))
		for i, d := range r.StageDiagnostics {
			d.Message = publicMessage(d.ErrorKind)
			out.StageDiagnostics[i] = d
		}
	}
	return out
}

func publicMessage(kind ErrorKind) string {
	switch kind {
	case "":
		return ""
	case ErrKindTimeout:
		return "The step did not finish in time."
	case ErrKindAgent:
		return "The service behind this step reported an error."
	case ErrKindCrash:
		return "The step failed unexpectedly."
	case ErrKindCircuitOpen:
		return "The service behind this step is temporarily unavailable."
	case ErrKindDependencyUnmet:
		return "Input from an earlier step was missing."
	case ErrKindBudgetExhausted:
		return "The time or token budget for this query ran out."
	case ErrKindFallbacksExhausted:
		return "No alternative could complete this step."
	default:
		return "This step could not be completed."
	}
}
