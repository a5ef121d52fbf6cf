package replika

import (
	"io"
	"slices"

	"github.com/cockroachdb/pebble"

	"github.com/drpcorg/replika/clock"
)

// clockMergeAdaptor is the pebble value merger for clock records: all
// versions union pointwise, so concurrent handles on the same db cannot
// lose clock entries. Non-clock keys keep the newest value.
type clockMergeAdaptor struct {
	isClock bool
	old     bool
	vals    [][]byte
}

func (a *clockMergeAdaptor) MergeNewer(value []byte) error {
	a.vals = append(a.vals, slices.Clone(value))
	return nil
}

func (a *clockMergeAdaptor) MergeOlder(value []byte) error {
	a.vals = append(a.vals, slices.Clone(value))
	a.old = true
	return nil
}

func (a *clockMergeAdaptor) Finish(includesBase bool) ([]byte, io.Closer, error) {
	if a.old {
		slices.Reverse(a.vals)
	}
	if len(a.vals) == 0 {
		return nil, nil, nil
	}
	if !a.isClock {
		return a.vals[len(a.vals)-1], nil, nil
	}
	acc := clock.New()
	for _, val := range a.vals {
		if err := acc.PutTLV(val); err != nil {
			return nil, nil, err
		}
	}
	return acc.TLV(), nil, nil
}

func merger(key, value []byte) (pebble.ValueMerger, error) {
	return &clockMergeAdaptor{
		isClock: len(key) > 0 && key[0] == ClockBin,
		vals:    [][]byte{slices.Clone(value)},
	}, nil
}

// OpenPebble opens replica storage at the given path with the clock
// merger wired in.
func OpenPebble(path string) (*pebble.DB, error) {
	return pebble.Open(path, &pebble.Options{
		Merger: &pebble.Merger{
			Name:  "replika-clock-union",
			Merge: merger,
		},
	})
}
