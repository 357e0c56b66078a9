// Package extract turns template bodies into ordered slots and rendered
// message text into values for those slots.
package extract

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"wagate/internal/domain"
)

var placeholderPattern = regexp.MustCompile(`\{\{(\d+)\}\}`)

// SlotName is the synthesized name of the slot at position n.
func SlotName(n int) string {
	return fmt.Sprintf("Variable %d", n)
}

// ExtractSlotsFromTemplateBody scans body for {{n}} markers and returns one
// TEXT slot per distinct positive n, ascending. The result replaces any
// previously stored slot list.
func ExtractSlotsFromTemplateBody(body string) []domain.Slot {
	seen := make(map[int]struct{})
	for _, m := range placeholderPattern.FindAllStringSubmatch(body, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			continue
		}
		seen[n] = struct{}{}
	}

	positions := make([]int, 0, len(seen))
	for n := range seen {
		positions = append(positions, n)
	}
	sort.Ints(positions)

	slots := make([]domain.Slot, 0, len(positions))
	for _, n := range positions {
		slots = append(slots, domain.Slot{
			Position: n,
			Name:     SlotName(n),
			Type:     domain.SlotTypeText,
		})
	}
	return slots
}
