package pipeline

import "fmt"

// State is a controller state. The numeric order matters: the flush floor
// clamps every transition to a state no earlier than the anchor of the
// current FlushMode.
type State int

const (
	StateReadInput State = iota
	StateSendInput
	StateSendLastFrame
	StateDecGetOutput
	StateDecFlush
	StateScalProcess
	StateScalFlush
	StateLaProcess
	StateLaFlush
	StateEncProcess
	StateEncNullFrame
	StateEncFlush
	StateEOF
	StateStop
	StateDone
)

var stateNames = [...]string{
	StateReadInput:     "read-input",
	StateSendInput:     "send-input",
	StateSendLastFrame: "send-last-frame",
	StateDecGetOutput:  "dec-get-output",
	StateDecFlush:      "dec-flush",
	StateScalProcess:   "scal-process",
	StateScalFlush:     "scal-flush",
	StateLaProcess:     "la-process",
	StateLaFlush:       "la-flush",
	StateEncProcess:    "enc-process",
	StateEncNullFrame:  "enc-null-frame",
	StateEncFlush:      "enc-flush",
	StateEOF:           "eof",
	StateStop:          "stop",
	StateDone:          "done",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Result is the outcome a stage reports for one call. Failures are
// reported separately as an error.
type Result int

const (
	// Success means the stage accepted input or produced output.
	Success Result = iota
	// TryAgain means the stage is busy; the same call should be retried.
	TryAgain
	// NeedMoreData means the stage consumed its input but has nothing to
	// hand on yet.
	NeedMoreData
	// EOS means the stage has drained completely.
	EOS
)

var resultNames = [...]string{
	Success:      "success",
	TryAgain:     "try-again",
	NeedMoreData: "need-more-data",
	EOS:          "eos",
}

func (r Result) String() string {
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// FlushMode records how far end-of-stream has propagated. It only ever
// increases during a run.
type FlushMode int

const (
	FlushNone FlushMode = iota
	FlushDecoder
	FlushScaler
	FlushLookahead
	FlushEncoder
)

func (m FlushMode) String() string {
	switch m {
	case FlushNone:
		return "none"
	case FlushDecoder:
		return "decoder"
	case FlushScaler:
		return "scaler"
	case FlushLookahead:
		return "lookahead"
	case FlushEncoder:
		return "encoder"
	default:
		return fmt.Sprintf("flush(%d)", int(m))
	}
}

// Anchor returns the earliest state the controller may occupy in this
// flush mode.
func (m FlushMode) Anchor() State {
	switch m {
	case FlushDecoder:
		return StateDecFlush
	case FlushScaler:
		return StateScalFlush
	case FlushLookahead:
		return StateLaFlush
	case FlushEncoder:
		return StateEncFlush
	default:
		return StateReadInput
	}
}
