package sensor

import (
	"sort"

	"github.com/ericogr/circuit-meter/pkg/channel"
)

// buildChannels validates the configured channel list, dropping duplicates.
// The result is sorted so readings come out in channel order.
func buildChannels(ids []int) ([]channel.ID, error) {
	seen := make(map[channel.ID]bool, len(ids))
	out := make([]channel.ID, 0, len(ids))
	for _, v := range ids {
		id := channel.ID(v)
		if err := id.Check(); err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
