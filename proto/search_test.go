package proto

import (
	"testing"
)

func requireOperator(t *testing.T, s Serializable, op byte, pos int) {
	t.Helper()
	oper, ok := s.(*OperatorEntry)
	if !ok {
		t.Fatalf("position %d is not an operator", pos)
	}

	if byte(*oper) != op {
		t.Fatalf("position %d operator %d expected %d", pos, byte(*oper), op)
	}
}

func requireString(t *testing.T, s Serializable, value string, pos int) {
	t.Helper()
	str, ok := s.(*StringEntry)
	if !ok {
		t.Fatalf("position %d is not a string entry", pos)
	}

	if str.Value() != value {
		t.Fatalf("position %d value %q expected %q", pos, str.Value(), value)
	}
}

func Test_searchTwoWords(t *testing.T) {
	req, err := BuildSearchRequest("a b")
	if err != nil {
		t.Fatalf("build failed %v", err)
	}

	if len(req) != 3 {
		t.Fatalf("tree size %d expected 3", len(req))
	}

	requireOperator(t, req[0], OPER_AND, 0)
	requireString(t, req[1], "a", 1)
	requireString(t, req[2], "b", 2)
}

func Test_searchBrackets(t *testing.T) {
	exprs := []string{
		"(a b)c d",
		"(a AND b) AND c d",
		"(a b) c AND d",
		"(((a b)))c d",
		"(((a b)))(c)(d)",
		"(((a AND b)))AND((c))AND((d))",
		"(((\"a\" AND \"b\")))AND((c))AND((\"d\"))",
		"   (   (  (  a    AND b   )  )   )  AND  ((c  )  )    AND (  (  d  )   )",
	}

	for _, expr := range exprs {
		req, err := BuildSearchRequest(expr)
		if err != nil {
			t.Fatalf("build failed for %q: %v", expr, err)
		}

		if len(req) != 7 {
			t.Fatalf("tree size %d expected 7 for %q", len(req), expr)
		}

		requireOperator(t, req[0], OPER_AND, 0)
		requireOperator(t, req[1], OPER_AND, 1)
		requireString(t, req[2], "a", 2)
		requireString(t, req[3], "b", 3)
		requireOperator(t, req[4], OPER_AND, 4)
		requireString(t, req[5], "c", 5)
		requireString(t, req[6], "d", 6)
	}
}

func Test_searchIncorrectExpressions(t *testing.T) {
	bad := []string{") A", "(( A)", "(((A))(", "(A)AND", "A AND OR B", "AND A"}
	for _, expr := range bad {
		if _, err := BuildSearchRequest(expr); err == nil {
			t.Errorf("expression %q must fail", expr)
		}
	}

	if _, err := BuildSearchRequest("\"unclosed quote"); err != ErrUnclosedQuotation {
		t.Errorf("expected unclosed quotation error, got %v", err)
	}
}

// a file type constraint conjoins with the OR subtree
func Test_searchTypeWithOr(t *testing.T) {
	entries, err := BuildEntries(0, 0, 0, 0, ED2KFTSTR_VIDEO, "", "", 0, 0, "X1 OR X2")
	if err != nil {
		t.Fatalf("build failed %v", err)
	}

	req, err := PackRequest(entries)
	if err != nil {
		t.Fatalf("pack failed %v", err)
	}

	if len(req) != 5 {
		t.Fatalf("tree size %d expected 5", len(req))
	}

	requireOperator(t, req[0], OPER_AND, 0)
	requireString(t, req[1], ED2KFTSTR_VIDEO, 1)
	requireOperator(t, req[2], OPER_OR, 2)
	requireString(t, req[3], "X1", 3)
	requireString(t, req[4], "X2", 4)
}

// archive and cd image types alias to the program type on the wire
func Test_searchTypeAliases(t *testing.T) {
	entries, err := BuildEntries(0, 0, 0, 0, ED2KFTSTR_CDIMAGE, "", "", 0, 0, "x")
	if err != nil {
		t.Fatalf("build failed %v", err)
	}

	req, err := PackRequest(entries)
	if err != nil {
		t.Fatalf("pack failed %v", err)
	}

	if len(req) != 3 {
		t.Fatalf("tree size %d expected 3", len(req))
	}

	requireString(t, req[1], ED2KFTSTR_PROGRAM, 1)
}

func Test_searchSerialize(t *testing.T) {
	req, err := BuildSearchRequest("kad")
	if err != nil {
		t.Fatalf("build failed %v", err)
	}

	buf := make([]byte, req.Size())
	sw := StateBuffer{Data: buf}
	req.Put(&sw)
	if sw.Error() != nil {
		t.Fatalf("put failed %v", sw.Error())
	}

	expected := []byte{SEARCH_TYPE_STR, 0x03, 0x00, 'k', 'a', 'd'}
	if len(buf) != len(expected) {
		t.Fatalf("serialized size %d expected %d", len(buf), len(expected))
	}

	for i := range buf {
		if buf[i] != expected[i] {
			t.Fatalf("serialized byte %d is %x expected %x", i, buf[i], expected[i])
		}
	}
}

func Test_searchNumericEntrySerialize(t *testing.T) {
	entries, err := BuildEntries(300, 0, 0, 0, "", "", "", 0, 0, "x")
	if err != nil {
		t.Fatalf("build failed %v", err)
	}

	req, err := PackRequest(entries)
	if err != nil {
		t.Fatalf("pack failed %v", err)
	}

	// AND, minSize>300, "x"
	if len(req) != 3 {
		t.Fatalf("tree size %d expected 3", len(req))
	}

	num, ok := req[1].(*NumericEntry)
	if !ok {
		t.Fatal("position 1 is not numeric")
	}

	if num.Value() != 300 {
		t.Errorf("numeric value %d expected 300", num.Value())
	}

	buf := make([]byte, num.Size())
	sw := StateBuffer{Data: buf}
	num.Put(&sw)
	if sw.Error() != nil {
		t.Fatalf("numeric put failed %v", sw.Error())
	}

	// type u32, value, operator, tag container
	if buf[0] != SEARCH_TYPE_UINT32 {
		t.Errorf("numeric type byte %x expected %x", buf[0], SEARCH_TYPE_UINT32)
	}

	if buf[5] != ED2K_SEARCH_OP_GREATER {
		t.Errorf("operator byte %x expected %x", buf[5], ED2K_SEARCH_OP_GREATER)
	}
}
