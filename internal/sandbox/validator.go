package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"

	"github.com/edgecoder/swarm/internal/model"
)

// Verdict is the Subset Validator's decision on a piece of code.
type Verdict struct {
	Safe   bool
	Reason string
}

var validatorTimeout = 5 * time.Second

// denylist patterns are language-specific and checked before the
// authoritative AST walk (spec §4.1 "Fast denylist").
var (
	pythonDenylist = []*regexp.Regexp{
		regexp.MustCompile(`\bimport\s+os\b`),
		regexp.MustCompile(`\bimport\s+subprocess\b`),
		regexp.MustCompile(`\bopen\s*\(`),
		regexp.MustCompile(`\beval\s*\(`),
		regexp.MustCompile(`\b__import__\s*\(`),
	}
	jsDenylist = []*regexp.Regexp{
		regexp.MustCompile(`\bFunction\s*\(`),
		regexp.MustCompile(`\beval\s*\(`),
		regexp.MustCompile(`\brequire\s*\(`),
		regexp.MustCompile(`\bprocess\.`),
		regexp.MustCompile(`\bfs\.`),
		regexp.MustCompile(`\bchild_process\b`),
		regexp.MustCompile(`\bsocket\b`),
	}
)

// Validator implements the two-stage gate: fast regex denylist, then an
// authoritative AST allowlist per language.
type Validator struct {
	pythonWalker *pythonASTWalker
	jsWalker     *jsASTWalker
}

// NewValidator builds a Validator with default Python/JS walkers.
func NewValidator() *Validator {
	return &Validator{
		pythonWalker: newPythonASTWalker(),
		jsWalker:     newJSASTWalker(),
	}
}

// Validate runs both stages in order; both must pass.
func (v *Validator) Validate(lang model.Language, code string) Verdict {
	switch lang {
	case model.LangPython:
		if hit := matchAny(pythonDenylist, code); hit {
			return Verdict{Safe: false, Reason: "outside_subset"}
		}
		return v.pythonWalker.Walk(code)
	case model.LangJavascript:
		if hit := matchAny(jsDenylist, code); hit {
			return Verdict{Safe: false, Reason: "outside_subset"}
		}
		return v.jsWalker.Walk(code)
	default:
		return Verdict{Safe: false, Reason: "unsupported_language"}
	}
}

func matchAny(patterns []*regexp.Regexp, code string) bool {
	for _, p := range patterns {
		if p.MatchString(code) {
			return true
		}
	}
	return false
}

// pythonASTWalker parses Python via an out-of-process python3 -c helper
// that dumps ast.walk() node types and Name/Attribute targets as JSON,
// mirroring the teacher's PythonPlugin pattern of shelling out to python3
// (orchestrator/plugins.go) but for static validation instead of execution.
type pythonASTWalker struct {
	pythonPath string
	allowedNodes map[string]bool
	blockedNames map[string]bool
}

func newPythonASTWalker() *pythonASTWalker {
	allowed := []string{
		"Module", "FunctionDef", "AsyncFunctionDef", "Return", "Assign", "AugAssign",
		"For", "While", "If", "Break", "Continue", "Pass", "Expr",
		"Call", "BinOp", "UnaryOp", "BoolOp", "Compare", "ListComp", "DictComp", "SetComp",
		"GeneratorExp", "List", "Tuple", "Dict", "Set", "Constant", "Name", "Load", "Store",
		"Attribute", "Subscript", "Slice", "Index", "arguments", "arg", "keyword",
		"Lambda", "IfExp", "JoinedStr", "FormattedValue", "Starred", "NamedExpr",
		"Add", "Sub", "Mult", "Div", "FloorDiv", "Mod", "Pow", "And", "Or", "Not",
		"Eq", "NotEq", "Lt", "LtE", "Gt", "GtE", "In", "NotIn", "Is", "IsNot",
		"USub", "UAdd",
	}
	blocked := []string{
		"open", "exec", "eval", "compile", "__import__", "globals", "locals",
		"getattr", "setattr", "delattr", "input", "vars", "dir", "breakpoint",
	}
	m1 := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		m1[a] = true
	}
	m2 := make(map[string]bool, len(blocked))
	for _, b := range blocked {
		m2[b] = true
	}
	return &pythonASTWalker{pythonPath: "python3", allowedNodes: m1, blockedNames: m2}
}

// astDumpScript is the out-of-process helper. It parses the supplied
// source and prints a JSON object {"nodes":[...],"calls":[...]}. A
// SyntaxError is printed to stdout as {"error": ...} with a non-zero exit.
const astDumpScript = `
import ast, json, sys

src = sys.stdin.read()
try:
    tree = ast.parse(src)
except SyntaxError as e:
    print(json.dumps({"error": str(e)}))
    sys.exit(1)

nodes = []
calls = []
for node in ast.walk(tree):
    nodes.append(type(node).__name__)
    if isinstance(node, ast.Call):
        if isinstance(node.func, ast.Name):
            calls.append(node.func.id)
        elif isinstance(node.func, ast.Attribute):
            calls.append(node.func.attr)

print(json.dumps({"nodes": nodes, "calls": calls}))
`

type pythonDumpResult struct {
	Error string   `json:"error"`
	Nodes []string `json:"nodes"`
	Calls []string `json:"calls"`
}

func (w *pythonASTWalker) Walk(code string) Verdict {
	ctx, cancel := context.WithTimeout(context.Background(), validatorTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.pythonPath, "-c", astDumpScript)
	cmd.Stdin = bytes.NewBufferString(code)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Verdict{Safe: false, Reason: fmt.Sprintf("parse error: validator timeout after %s", validatorTimeout)}
		}
		// Non-zero exit with stdout JSON means a SyntaxError was reported.
		if stdout.Len() == 0 {
			return Verdict{Safe: false, Reason: fmt.Sprintf("parse error: %v", err)}
		}
	}

	var result pythonDumpResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return Verdict{Safe: false, Reason: fmt.Sprintf("parse error: %v", err)}
	}
	if result.Error != "" {
		return Verdict{Safe: false, Reason: fmt.Sprintf("parse error: %s", result.Error)}
	}

	for _, n := range result.Nodes {
		if !w.allowedNodes[n] {
			return Verdict{Safe: false, Reason: "outside_subset"}
		}
	}
	for _, c := range result.Calls {
		if w.blockedNames[c] {
			return Verdict{Safe: false, Reason: "outside_subset"}
		}
	}
	return Verdict{Safe: true}
}

// jsASTWalker is a structural validator for JavaScript: it parses with
// tree-sitter's javascript grammar and walks the resulting concrete
// syntax tree against an explicit node-type allowlist, the JS-side
// mirror of pythonASTWalker's ast.walk() allowlist (spec §4.1: "only
// explicitly listed node types... allowed"). Grounded in
// processor/ast/ts/parser.go's tree-sitter bootstrap (ParseCtx +
// TreeCursor walk), repurposed here from entity extraction to an
// allow/reject verdict over the call/member/control-flow subset.
type jsASTWalker struct {
	allowedNodes   map[string]bool
	blockedGlobals map[string]bool
}

func newJSASTWalker() *jsASTWalker {
	allowed := []string{
		"program", "expression_statement", "empty_statement", "comment",
		"function_declaration", "function", "arrow_function", "statement_block",
		"variable_declaration", "lexical_declaration", "variable_declarator",
		"formal_parameters", "rest_pattern", "assignment_pattern",
		"array_pattern", "object_pattern", "object_assignment_pattern",
		"identifier", "property_identifier", "shorthand_property_identifier",
		"private_property_identifier",
		"number", "string", "string_fragment", "escape_sequence",
		"template_string", "template_substitution",
		"true", "false", "null", "undefined", "this",
		"array", "object", "pair", "spread_element", "computed_property_name",
		"parenthesized_expression", "sequence_expression",
		"binary_expression", "unary_expression", "update_expression",
		"assignment_expression", "augmented_assignment_expression",
		"ternary_expression",
		"call_expression", "arguments", "member_expression", "subscript_expression",
		"if_statement", "else_clause",
		"for_statement", "for_in_statement",
		"while_statement", "do_statement",
		"break_statement", "continue_statement", "return_statement",
		"throw_statement", "try_statement", "catch_clause", "finally_clause",
	}
	blocked := []string{"process", "require", "globalThis", "eval", "Function", "Proxy", "Reflect", "global", "module", "exports"}
	m1 := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		m1[a] = true
	}
	m2 := make(map[string]bool, len(blocked))
	for _, b := range blocked {
		m2[b] = true
	}
	return &jsASTWalker{allowedNodes: m1, blockedGlobals: m2}
}

func (w *jsASTWalker) Walk(code string) Verdict {
	ctx, cancel := context.WithTimeout(context.Background(), validatorTimeout)
	defer cancel()

	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, []byte(code))
	if err != nil {
		return Verdict{Safe: false, Reason: fmt.Sprintf("parse error: %v", err)}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return Verdict{Safe: false, Reason: "parse error: syntax error"}
	}

	src := []byte(code)
	cursor := sitter.NewTreeCursor(root)
	defer cursor.Close()

	if !w.walkAllowed(cursor, src) {
		return Verdict{Safe: false, Reason: "outside_subset"}
	}
	return Verdict{Safe: true}
}

// walkAllowed returns false the moment it finds a named node type
// outside the allowlist, or an identifier/property naming a blocked
// global (process, require, eval, ...).
func (w *jsASTWalker) walkAllowed(cursor *sitter.TreeCursor, src []byte) bool {
	node := cursor.CurrentNode()
	nodeType := node.Type()

	if node.IsNamed() && !w.allowedNodes[nodeType] {
		return false
	}
	if nodeType == "identifier" || nodeType == "property_identifier" {
		if w.blockedGlobals[node.Content(src)] {
			return false
		}
	}

	if cursor.GoToFirstChild() {
		defer cursor.GoToParent()
		for {
			if !w.walkAllowed(cursor, src) {
				return false
			}
			if !cursor.GoToNextSibling() {
				break
			}
		}
	}
	return true
}
