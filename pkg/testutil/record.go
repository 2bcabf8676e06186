package testutil

import (
	"time"

	"edgenode/pkg/plugin"
)

// Received records one frame the hub read: the raw bytes plus the decoded
// envelope when the frame was valid JSON. Envelope data decodes to
// map[string]any.
type Received struct {
	At       time.Time
	Raw      []byte
	Envelope plugin.Envelope
}

// FilterByKind returns the records with the given envelope kind.
func FilterByKind(recs []Received, kind string) []Received {
	var out []Received
	for _, r := range recs {
		if r.Envelope.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// FindBySignature returns the most recent record emitted by the given
// plugin signature, or nil.
func FindBySignature(recs []Received, sig string) *Received {
	for i := len(recs) - 1; i >= 0; i-- {
		if string(recs[i].Envelope.Signature) == sig {
			return &recs[i]
		}
	}
	return nil
}

// FindWithData returns the most recent record of the kind whose data map
// holds key == value.
func FindWithData(recs []Received, kind, key string, value any) *Received {
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		if r.Envelope.Kind != kind {
			continue
		}
		data, ok := r.Envelope.Data.(map[string]any)
		if !ok {
			continue
		}
		if v, ok := data[key]; ok && v == value {
			return &recs[i]
		}
	}
	return nil
}
