package sandbox

import (
	"testing"

	"github.com/edgecoder/swarm/internal/model"
)

func TestValidatePythonSafe(t *testing.T) {
	v := NewValidator()
	code := "def f(n):\n  return n*2\nprint(f(21))"
	got := v.Validate(model.LangPython, code)
	if !got.Safe {
		t.Fatalf("expected safe, got unsafe: %s", got.Reason)
	}
}

func TestValidatePythonBlockedBuiltin(t *testing.T) {
	v := NewValidator()
	code := "f = open('x')"
	got := v.Validate(model.LangPython, code)
	if got.Safe {
		t.Fatalf("expected open() to be rejected by denylist")
	}
	if got.Reason != "outside_subset" {
		t.Fatalf("expected outside_subset, got %q", got.Reason)
	}
}

func TestValidatePythonDenylistSubprocess(t *testing.T) {
	v := NewValidator()
	got := v.Validate(model.LangPython, "import subprocess\nsubprocess.run(['ls'])")
	if got.Safe {
		t.Fatalf("expected subprocess import to be rejected")
	}
}

func TestValidateJSSafe(t *testing.T) {
	v := NewValidator()
	code := "function add(a, b) { return a + b; }\nconsole.log(add(1, 2));"
	got := v.Validate(model.LangJavascript, code)
	if !got.Safe {
		t.Fatalf("expected safe, got unsafe: %s", got.Reason)
	}
}

func TestValidateJSBlockedGlobal(t *testing.T) {
	v := NewValidator()
	got := v.Validate(model.LangJavascript, "const cp = require('child_process');")
	if got.Safe {
		t.Fatalf("expected require() to be rejected")
	}
}

func TestValidateJSProcessAccess(t *testing.T) {
	v := NewValidator()
	got := v.Validate(model.LangJavascript, "process.exit(1);")
	if got.Safe {
		t.Fatalf("expected process access to be rejected")
	}
}

func TestValidateJSClassOutsideAllowlist(t *testing.T) {
	v := NewValidator()
	got := v.Validate(model.LangJavascript, "class Foo { bar() { return 1; } }")
	if got.Safe {
		t.Fatalf("expected class_declaration to be rejected by the AST allowlist")
	}
	if got.Reason != "outside_subset" {
		t.Fatalf("expected outside_subset, got %q", got.Reason)
	}
}

func TestValidateJSSyntaxError(t *testing.T) {
	v := NewValidator()
	got := v.Validate(model.LangJavascript, "function add(a, b) { return a +")
	if got.Safe {
		t.Fatalf("expected malformed source to be rejected")
	}
}

func TestValidateUnsupportedLanguage(t *testing.T) {
	v := NewValidator()
	got := v.Validate(model.Language("ruby"), "puts 1")
	if got.Safe {
		t.Fatalf("expected unsupported language to be unsafe")
	}
}
