package prompts

import "fmt"

// EmptyResponseFallback stands in for a final reply that carried no
// text, so the log never holds an empty assistant message.
const EmptyResponseFallback = "(no reply)"

// IterationLimitNotice is the assistant diagnostic appended when a turn
// exhausts its tool-call budget.
func IterationLimitNotice(limit int) string {
	return fmt.Sprintf("I stopped after %d tool rounds without reaching an answer. "+
		"Ask again, perhaps with a narrower request, and I will pick up from here.", limit)
}
