package conversation

// RepairReport describes what [Repair] removed.
type RepairReport struct {
	// DroppedResults counts tool result blocks removed as orphans.
	DroppedResults int
	// DroppedMessages counts messages removed because every block in
	// them was an orphaned result.
	DroppedMessages int
}

// Changed reports whether the repair altered the log.
func (r RepairReport) Changed() bool {
	return r.DroppedResults > 0 || r.DroppedMessages > 0
}

// Add accumulates another report into r.
func (r *RepairReport) Add(o RepairReport) {
	r.DroppedResults += o.DroppedResults
	r.DroppedMessages += o.DroppedMessages
}

// Repair returns a copy of msgs in which every tool result answers a
// tool invocation in the message directly before it. For each user
// message carrying tool results, the previous kept message must be an
// assistant message whose tool_use ids cover the result's tool_use_id;
// uncovered results are dropped, and a message left empty is dropped
// entirely. Messages without tool results pass through unchanged.
//
// Repair is idempotent: Repair(Repair(x)) equals Repair(x).
func Repair(msgs []Message) ([]Message, RepairReport) {
	var report RepairReport
	out := make([]Message, 0, len(msgs))

	for _, m := range msgs {
		if m.Role != RoleUser || !m.HasToolResults() {
			out = append(out, m.Clone())
			continue
		}

		covered := make(map[string]struct{})
		if n := len(out); n > 0 && out[n-1].Role == RoleAssistant {
			for _, b := range out[n-1].ToolUses() {
				covered[b.ID] = struct{}{}
			}
		}

		kept := make([]Block, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			switch b.Type {
			case BlockToolResult:
				if _, ok := covered[b.ToolUseID]; !ok {
					report.DroppedResults++
					continue
				}
				kept = append(kept, b)
			case BlockText, BlockToolUse:
				kept = append(kept, b)
			}
		}

		if len(kept) == 0 {
			report.DroppedMessages++
			continue
		}
		out = append(out, Message{Role: m.Role, Blocks: kept}.Clone())
	}

	return out, report
}
