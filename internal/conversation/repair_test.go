package conversation

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
)

func use(id string) Block { return ToolUseBlock(id, "render", []byte(`{"id":"`+id+`"}`)) }

func result(id string) Block { return ToolResultBlock(id, "ok "+id, false) }

func TestRepair_OrphanAfterAnsweredResult(t *testing.T) {
	log := []Message{
		{Role: RoleAssistant, Blocks: []Block{use("7")}},
		{Role: RoleUser, Blocks: []Block{result("7")}},
		{Role: RoleUser, Blocks: []Block{result("99")}},
	}

	got, report := Repair(log)

	want := []Message{
		{Role: RoleAssistant, Blocks: []Block{use("7")}},
		{Role: RoleUser, Blocks: []Block{result("7")}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Repair() = %+v, want %+v", got, want)
	}
	if report.DroppedMessages != 1 || report.DroppedResults != 1 {
		t.Errorf("report = %+v, want 1 message / 1 result", report)
	}
}

func TestRepair_PartialCoverage(t *testing.T) {
	log := []Message{
		NewText(RoleUser, "check both"),
		{Role: RoleAssistant, Blocks: []Block{TextBlock("on it"), use("a")}},
		{Role: RoleUser, Blocks: []Block{result("a"), result("b"), TextBlock("note")}},
	}

	got, report := Repair(log)

	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	last := got[2]
	if len(last.Blocks) != 2 || last.Blocks[0].ToolUseID != "a" || last.Blocks[1].Type != BlockText {
		t.Errorf("last message blocks = %+v", last.Blocks)
	}
	if report.DroppedResults != 1 || report.DroppedMessages != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestRepair_LeadingResult(t *testing.T) {
	log := []Message{
		{Role: RoleUser, Blocks: []Block{result("x")}},
		NewText(RoleUser, "hello"),
	}

	got, report := Repair(log)

	if len(got) != 1 || got[0].Text() != "hello" {
		t.Fatalf("Repair() = %+v", got)
	}
	if !report.Changed() {
		t.Error("report.Changed() = false, want true")
	}
}

func TestRepair_CleanLogUnchanged(t *testing.T) {
	log := []Message{
		NewText(RoleUser, "hi"),
		{Role: RoleAssistant, Blocks: []Block{use("1"), use("2")}},
		{Role: RoleUser, Blocks: []Block{result("1"), result("2")}},
		NewText(RoleAssistant, "done"),
	}

	got, report := Repair(log)

	if report.Changed() {
		t.Errorf("report = %+v, want unchanged", report)
	}
	if !reflect.DeepEqual(got, log) {
		t.Errorf("Repair() altered a clean log")
	}
}

func TestRepair_DoesNotAliasInput(t *testing.T) {
	log := []Message{{Role: RoleAssistant, Blocks: []Block{use("1")}}}
	got, _ := Repair(log)
	got[0].Blocks[0].Input[0] = 'X'
	if log[0].Blocks[0].Input[0] == 'X' {
		t.Error("Repair output shares memory with its input")
	}
}

// randomLog builds a log mixing valid exchanges, stray results, and
// plain text so the invariant check sees plenty of orphans.
func randomLog(r *rand.Rand, n int) []Message {
	var log []Message
	next := 0
	for range n {
		switch r.Intn(4) {
		case 0:
			log = append(log, NewText(RoleUser, "text"))
		case 1:
			var blocks []Block
			for range r.Intn(3) + 1 {
				next++
				blocks = append(blocks, use(fmt.Sprint(next)))
			}
			log = append(log, Message{Role: RoleAssistant, Blocks: blocks})
		case 2:
			var blocks []Block
			for range r.Intn(3) + 1 {
				blocks = append(blocks, result(fmt.Sprint(r.Intn(next+2))))
			}
			log = append(log, Message{Role: RoleUser, Blocks: blocks})
		case 3:
			log = append(log, NewText(RoleAssistant, "reply"))
		}
	}
	return log
}

func TestRepair_InvariantAndIdempotence(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := range 500 {
		log := randomLog(r, r.Intn(30))

		once, _ := Repair(log)
		for j, m := range once {
			if !m.HasToolResults() {
				continue
			}
			if j == 0 || once[j-1].Role != RoleAssistant {
				t.Fatalf("case %d: message %d has results without a preceding assistant", i, j)
			}
			ids := map[string]bool{}
			for _, b := range once[j-1].ToolUses() {
				ids[b.ID] = true
			}
			for _, b := range m.Blocks {
				if b.Type == BlockToolResult && !ids[b.ToolUseID] {
					t.Fatalf("case %d: message %d keeps orphan %q", i, j, b.ToolUseID)
				}
			}
		}

		twice, report := Repair(once)
		if report.Changed() {
			t.Fatalf("case %d: second Repair changed the log: %+v", i, report)
		}
		if !reflect.DeepEqual(once, twice) {
			t.Fatalf("case %d: Repair is not idempotent", i)
		}
	}
}
