package pattern

import "testing"

// TestLiteralAndNegative mirrors spec scenario 4: patterns "abc;!def"
// with default module "main" match "abc" positive, "def" negative, "xyz"
// no-match.
func TestLiteralAndNegative(t *testing.T) {
	l, err := Compile("abc;!def", "main")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !l.Match("abc", "") {
		t.Error(`Match("abc") = false, want true`)
	}
	if l.Match("def", "") {
		t.Error(`Match("def") = true, want false`)
	}
	if l.Match("xyz", "") {
		t.Error(`Match("xyz") = true, want false (no-match defaults false)`)
	}
}

// TestAllNegativeSynthesizesMatchAll mirrors spec scenario 4's second
// case: "!^a" (regex) prepends match-all and excludes names beginning
// with 'a'.
func TestAllNegativeSynthesizesMatchAll(t *testing.T) {
	l, err := Compile("!^a", "main")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if l.Match("apple", "") {
		t.Error(`Match("apple") = true, want false (excluded)`)
	}
	if !l.Match("banana", "") {
		t.Error(`Match("banana") = false, want true (match-all)`)
	}
}

func TestLastMatchWins(t *testing.T) {
	l, err := Compile("foo;!foo;foo", "main")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !l.Match("foo", "") {
		t.Error(`Match("foo") = false, want true (last entry wins)`)
	}
}

func TestGlobMatch(t *testing.T) {
	l, err := Compile("do_*", "main")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !l.Match("do_work", "") {
		t.Error(`Match("do_work") = false, want true`)
	}
	if l.Match("undo_work", "") {
		t.Error(`Match("undo_work") = true, want false`)
	}
}

func TestModuleQualifierDefaultsToExecutable(t *testing.T) {
	l, err := Compile("main_func", "a.out")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !l.Match("main_func", "") {
		t.Error("entry with no @module qualifier should match against the default module")
	}
}

func TestModuleQualifierRestrictsMatch(t *testing.T) {
	l, err := Compile("helper@libfoo.so", "a.out")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if l.Match("helper", "a.out") {
		t.Error("entry qualified with @libfoo.so should not match in module a.out")
	}
	if !l.Match("helper", "libfoo.so") {
		t.Error("entry qualified with @libfoo.so should match in module libfoo.so")
	}
}

func TestEmptySpecMatchesNothing(t *testing.T) {
	l, err := Compile("", "main")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if l.Match("anything", "") {
		t.Error("empty pattern spec should never match")
	}
}

func TestCompilePatternsListsMatchIndependently(t *testing.T) {
	p, err := CompilePatterns("foo", "foo", "main")
	if err != nil {
		t.Fatalf("CompilePatterns: %v", err)
	}
	if !p.Patch.Match("foo", "") || !p.Unpatch.Match("foo", "") {
		t.Fatal("both lists should match foo independently")
	}
}

func TestInvalidRegexRejected(t *testing.T) {
	_, err := Compile("^(unterminated", "main")
	if err == nil {
		t.Fatal("expected error for invalid regex pattern")
	}
}
