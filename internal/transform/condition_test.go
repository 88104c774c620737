package transform

import "testing"

func mustParse(t *testing.T, expr string) *Condition {
	t.Helper()

	c, err := ParseCondition(expr)

	if err != nil {
		t.Fatalf("ParseCondition(%q): %v", expr, err)
	}

	return c
}

func TestConditionSimpleComparison(t *testing.T) {
	c := mustParse(t, "priority > 5")

	ok, err := c.Eval(map[string]any{"priority": float64(10)})

	if err != nil || !ok {
		t.Fatalf("expected true, got %v err=%v", ok, err)
	}

	ok, err = c.Eval(map[string]any{"priority": float64(1)})

	if err != nil || ok {
		t.Fatalf("expected false, got %v err=%v", ok, err)
	}
}

func TestConditionAndOrNot(t *testing.T) {
	c := mustParse(t, "a == 1 and (b == 2 or not c == 3)")

	ok, err := c.Eval(map[string]any{"a": float64(1), "b": float64(2), "c": float64(9)})

	if err != nil || !ok {
		t.Fatalf("expected true, got %v err=%v", ok, err)
	}

	ok, err = c.Eval(map[string]any{"a": float64(1), "b": float64(9), "c": float64(3)})

	if err != nil || ok {
		t.Fatalf("expected false, got %v err=%v", ok, err)
	}
}

func TestConditionInAndNotIn(t *testing.T) {
	c := mustParse(t, `status in ["ok", "pending"]`)

	ok, _ := c.Eval(map[string]any{"status": "ok"})

	if !ok {
		t.Fatalf("expected status in list to be true")
	}

	c2 := mustParse(t, `status not in ["failed"]`)

	ok, _ = c2.Eval(map[string]any{"status": "ok"})

	if !ok {
		t.Fatalf("expected not in to be true for non-member")
	}
}

func TestConditionAbsentFieldComparesAsNull(t *testing.T) {
	c := mustParse(t, "missing == null")

	ok, err := c.Eval(map[string]any{})

	if err != nil || !ok {
		t.Fatalf("expected absent field to compare equal to null, got %v err=%v", ok, err)
	}
}

func TestConditionDottedField(t *testing.T) {
	c := mustParse(t, "request.prompt != null")

	ctx := map[string]any{"request": map[string]any{"prompt": "hi"}}

	ok, err := c.Eval(ctx)

	if err != nil || !ok {
		t.Fatalf("expected true, got %v err=%v", ok, err)
	}
}
