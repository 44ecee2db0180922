package respond

import "strings"

// StopDecoder is a streaming detokenizer stand-in: it watches the
// incrementally-appended visible text for configured stop strings and
// stop-token IDs, trimming the emitted suffix once one is found
// (SPEC_FULL.md §4.9). The real token→text detokenization is delegated to
// the external tokenizer collaborator (spec.md §1 Non-goals); this type
// owns only the stop-matching and trimming policy.
type StopDecoder struct {
	stops          []string
	stopTokenIDs   map[int32]bool
	skipSpecial    bool
	noTrim         bool

	buf     strings.Builder
	stopped bool
}

// NewStopDecoder builds a decoder per §4.5 step (g): constructed from
// `stop`, `stop_token_ids`, `skip_special_tokens`, `no_stop_trim`.
func NewStopDecoder(stops []string, stopTokenIDs []int32, skipSpecial, noTrim bool) *StopDecoder {
	ids := make(map[int32]bool, len(stopTokenIDs))
	for _, id := range stopTokenIDs {
		ids[id] = true
	}
	return &StopDecoder{stops: stops, stopTokenIDs: ids, skipSpecial: skipSpecial, noTrim: noTrim}
}

// Feed appends newly decoded text and/or reports a token ID was emitted. It
// returns the text delta that should be sent to the client this step, and
// whether a stop condition was hit (in which case the caller should stop
// requesting more tokens from the backend).
func (d *StopDecoder) Feed(text string, tokenID int32) (delta string, stopped bool) {
	if d.stopped {
		return "", true
	}
	if d.stopTokenIDs[tokenID] {
		d.stopped = true
		return "", true
	}

	d.buf.WriteString(text)
	full := d.buf.String()

	for _, stop := range d.stops {
		if stop == "" {
			continue
		}
		if idx := strings.Index(full, stop); idx >= 0 {
			d.stopped = true
			if d.noTrim {
				return text, true
			}
			// Only the portion of this delta before the stop string should
			// have been visible; since full already includes prior deltas,
			// recompute what's new up to idx.
			priorLen := len(full) - len(text)
			if idx < priorLen {
				return "", true // stop string started before this delta
			}
			return full[priorLen:idx], true
		}
	}
	return text, false
}

// Stopped reports whether a stop condition has already fired.
func (d *StopDecoder) Stopped() bool { return d.stopped }
