package extract

import (
	"strconv"

	"wagate/internal/domain"
)

// BindValues resolves every slot to a value, keyed by position. Resolution
// order: exact slot name, synthesized "Variable <n>", slot default, then the
// "[<slot name>]" placeholder. No slot is left unresolved.
func BindValues(slots []domain.Slot, values map[string]string) map[string]string {
	out := make(map[string]string, len(slots))
	for _, slot := range slots {
		key := strconv.Itoa(slot.Position)
		if v, ok := values[slot.Name]; ok {
			out[key] = v
			continue
		}
		if v, ok := values[SlotName(slot.Position)]; ok {
			out[key] = v
			continue
		}
		if slot.DefaultValue != "" {
			out[key] = slot.DefaultValue
			continue
		}
		out[key] = "[" + slot.Name + "]"
	}
	return out
}
