package pipeline

// effect is a post-transition side effect applied by the controller after
// the table lookup and before the flush-floor clamp.
type effect uint16

const (
	// fxRewindOrLast: at end of input, rewind and keep reading while loops
	// remain, otherwise move on to SendLastFrame.
	fxRewindOrLast effect = 1 << iota
	// fxDrainCheck: go to EOF once no access unit is pending.
	fxDrainCheck
	// fxFrameLimit: go to EOF once channel 0 has written MaxFrames packets.
	fxFrameLimit
	// fxSkipScaler: without a scaler, the scaler states and the scaler
	// flush mode are replaced by their lookahead counterparts.
	fxSkipScaler
	// fxAllChannels: every channel takes part in the following rounds.
	fxAllChannels
	// fxChannelLoop: advance to the next channel of the round, or end the
	// round and return to ReadInput.
	fxChannelLoop
	// fxNullFrameLoop: advance to the next channel still flushing its
	// lookahead, or start flushing encoders once every lookahead is done.
	fxNullFrameLoop
	// fxCountEOS: count an encoder's end of stream and move to the next
	// channel; Done once every encoder has drained.
	fxCountEOS
)

type transitionKey struct {
	state  State
	result Result
}

type rule struct {
	next  State
	fx    effect
	flush FlushMode // raised to this mode, if higher
}

var allResults = [...]Result{Success, TryAgain, NeedMoreData, EOS}

// transitions maps (state, result) to the next state. Missing entries are
// protocol violations by a stage.
var transitions = buildTransitions()

func buildTransitions() map[transitionKey]rule {
	t := make(map[transitionKey]rule)
	set := func(s State, r rule, results ...Result) {
		for _, res := range results {
			t[transitionKey{s, res}] = r
		}
	}

	set(StateReadInput, rule{next: StateSendInput}, Success)
	set(StateReadInput, rule{next: StateSendLastFrame, fx: fxRewindOrLast}, EOS)

	set(StateSendInput, rule{next: StateDecGetOutput, fx: fxFrameLimit}, Success, TryAgain, NeedMoreData)
	set(StateSendLastFrame, rule{next: StateDecGetOutput, fx: fxDrainCheck | fxFrameLimit}, allResults[:]...)

	for _, s := range []State{StateDecGetOutput, StateDecFlush} {
		set(s, rule{next: StateScalProcess, fx: fxSkipScaler}, Success)
		set(s, rule{next: StateReadInput}, TryAgain, NeedMoreData)
		set(s, rule{next: StateScalFlush, fx: fxSkipScaler | fxAllChannels, flush: FlushScaler}, EOS)
	}

	set(StateScalProcess, rule{next: StateLaProcess}, Success)
	set(StateScalProcess, rule{next: StateReadInput}, NeedMoreData)
	set(StateScalProcess, rule{next: StateScalProcess}, TryAgain)
	set(StateScalProcess, rule{next: StateLaFlush, fx: fxAllChannels, flush: FlushLookahead}, EOS)

	set(StateScalFlush, rule{next: StateLaProcess}, Success)
	set(StateScalFlush, rule{next: StateScalFlush}, TryAgain, NeedMoreData)
	set(StateScalFlush, rule{next: StateLaFlush, fx: fxAllChannels, flush: FlushLookahead}, EOS)

	for _, s := range []State{StateLaProcess, StateLaFlush} {
		set(s, rule{next: StateEncProcess}, Success)
		set(s, rule{next: s}, TryAgain)
		set(s, rule{next: s, fx: fxChannelLoop}, NeedMoreData)
		set(s, rule{next: StateEncNullFrame}, EOS)
	}

	set(StateEncProcess, rule{next: StateLaProcess, fx: fxChannelLoop}, Success, NeedMoreData, EOS)
	set(StateEncProcess, rule{next: StateEncProcess}, TryAgain)

	set(StateEncNullFrame, rule{next: StateLaFlush, fx: fxNullFrameLoop}, allResults[:]...)

	set(StateEncFlush, rule{next: StateEncFlush}, Success, TryAgain, NeedMoreData)
	set(StateEncFlush, rule{next: StateEncFlush, fx: fxCountEOS}, EOS)

	set(StateEOF, rule{next: StateDecFlush, flush: FlushDecoder}, Success)
	set(StateStop, rule{next: StateEOF}, Success)
	return t
}

// clamp applies the flush floor: a state earlier than the anchor of mode
// is raised to the anchor.
func clamp(s State, mode FlushMode) State {
	if anchor := mode.Anchor(); s < anchor {
		return anchor
	}
	return s
}
