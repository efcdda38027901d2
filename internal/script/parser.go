package script

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
)

const (
	// DefaultWaitTimeout is used for WAIT instructions that don't give a timeout.
	DefaultWaitTimeout = 10 * time.Second
	// MaxWaitTimeout bounds the timeout a WAIT instruction may give.
	MaxWaitTimeout = time.Hour
	// DefaultScrollDistance is used for SCROLL instructions that don't give a distance.
	DefaultScrollDistance = 500
)

var keywords = []string{
	"CLICK", "TYPE", "SET", "WAIT", "SCROLL",
	"IF", "ELSE", "ENDIF", "PROC", "ENDPROC", "CALL",
}

var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Option func(p *parser)

// WithDefaultWaitTimeout sets the timeout WAIT falls back to when the script omits it.
func WithDefaultWaitTimeout(timeout time.Duration) Option {
	return func(p *parser) {
		if timeout > 0 {
			p.defaultWait = timeout
		}
	}
}

type frameKind int

const (
	frameIf frameKind = iota
	frameProc
)

type frame struct {
	kind   frameKind
	line   int
	text   string
	branch If
	inElse bool
	proc   ProcDef
}

type parser struct {
	defaultWait time.Duration

	lineNo int
	text   string

	stack      []*frame
	top        []Instruction
	procedures map[string]ProcDef
	calls      []ProcCall
}

// Parse turns script text into a Script. Parsing is a single pass over the lines with a stack for open IF and
// PROC blocks, procedure references are checked once the whole text has been read so procedures may be
// defined after they are called.
func Parse(text string, opts ...Option) (*Script, error) {
	p := &parser{
		defaultWait: DefaultWaitTimeout,
		procedures:  map[string]ProcDef{},
	}
	for _, opt := range opts {
		opt(p)
	}

	for i, raw := range strings.Split(text, "\n") {
		p.lineNo = i + 1
		p.text = strings.TrimSpace(raw)
		if p.text == "" || strings.HasPrefix(p.text, "#") {
			continue
		}
		err := p.parseLine(p.text)
		if err != nil {
			return nil, err
		}
	}

	if len(p.stack) > 0 {
		open := p.stack[len(p.stack)-1]
		reason := "IF without matching ENDIF"
		if open.kind == frameProc {
			reason = "PROC without matching ENDPROC"
		}
		return nil, &SyntaxError{Line: open.line, Text: open.text, Reason: reason}
	}

	for _, call := range p.calls {
		if _, ok := p.procedures[call.Name]; ok {
			continue
		}
		candidates := make([]string, 0, len(p.procedures)+len(keywords))
		for name := range p.procedures {
			candidates = append(candidates, name)
		}
		candidates = append(candidates, keywords...)
		return nil, &SyntaxError{
			Line:   call.Line,
			Text:   call.Name,
			Reason: fmt.Sprintf("undefined procedure %q%s", call.Name, suggest(call.Name, candidates)),
		}
	}

	return &Script{
		Instructions: p.top,
		Procedures:   p.procedures,
	}, nil
}

// MustParse is Parse but panics on error, for scripts embedded in code.
func MustParse(text string, opts ...Option) *Script {
	s, err := Parse(text, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func (p *parser) fail(format string, args ...any) error {
	return &SyntaxError{Line: p.lineNo, Text: p.text, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) emit(inst Instruction) {
	if len(p.stack) == 0 {
		p.top = append(p.top, inst)
		return
	}
	f := p.stack[len(p.stack)-1]
	switch {
	case f.kind == frameProc:
		f.proc.Body = append(f.proc.Body, inst)
	case f.inElse:
		f.branch.Else = append(f.branch.Else, inst)
	default:
		f.branch.Then = append(f.branch.Then, inst)
	}
}

func splitKeyword(line string) (string, string) {
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx+1:])
}

func (p *parser) parseLine(line string) error {
	word, rest := splitKeyword(line)

	switch strings.ToUpper(word) {
	case "IF":
		return p.parseIf(rest)
	case "ELSE":
		if rest != "" {
			return p.fail("unexpected arguments after ELSE")
		}
		if len(p.stack) == 0 || p.stack[len(p.stack)-1].kind != frameIf {
			return p.fail("ELSE without matching IF")
		}
		f := p.stack[len(p.stack)-1]
		if f.inElse {
			return p.fail("duplicate ELSE")
		}
		f.inElse = true
		return nil
	case "ENDIF":
		if rest != "" {
			return p.fail("unexpected arguments after ENDIF")
		}
		if len(p.stack) == 0 || p.stack[len(p.stack)-1].kind != frameIf {
			return p.fail("ENDIF without matching IF")
		}
		f := p.stack[len(p.stack)-1]
		p.stack = p.stack[:len(p.stack)-1]
		p.emit(f.branch)
		return nil
	case "PROC":
		if len(p.stack) > 0 {
			return p.fail("PROC cannot be defined inside another block")
		}
		if !identifierRegex.MatchString(rest) {
			return p.fail("PROC requires a name made of letters, digits and underscores")
		}
		if _, exists := p.procedures[rest]; exists {
			return p.fail("procedure %q is already defined", rest)
		}
		if isKeyword(rest) {
			return p.fail("procedure name %q is a reserved keyword", rest)
		}
		p.stack = append(p.stack, &frame{
			kind: frameProc,
			line: p.lineNo,
			text: p.text,
			proc: ProcDef{Line: p.lineNo, Name: rest},
		})
		return nil
	case "ENDPROC":
		if rest != "" {
			return p.fail("unexpected arguments after ENDPROC")
		}
		if len(p.stack) == 0 || p.stack[len(p.stack)-1].kind != frameProc {
			return p.fail("ENDPROC without matching PROC")
		}
		f := p.stack[len(p.stack)-1]
		p.stack = p.stack[:len(p.stack)-1]
		p.procedures[f.proc.Name] = f.proc
		return nil
	}

	inst, err := p.parseSimple(word, rest)
	if err != nil {
		return err
	}
	p.emit(inst)
	return nil
}

// parseSimple parses every instruction that doesn't open or close a block.
func (p *parser) parseSimple(word, rest string) (Instruction, error) {
	switch strings.ToUpper(word) {
	case "CLICK":
		selector, remaining, err := readSelector(rest)
		if err != nil {
			return nil, p.fail("CLICK: %s", err)
		}
		if err := trailing(remaining); err != nil {
			return nil, p.fail("CLICK: %s", err)
		}
		return Click{Line: p.lineNo, Selector: selector}, nil

	case "TYPE":
		text, remaining, err := readQuoted(rest)
		if err != nil {
			return nil, p.fail("TYPE: %s", err)
		}
		if err := trailing(remaining); err != nil {
			return nil, p.fail("TYPE: %s", err)
		}
		return Type{Line: p.lineNo, Text: text}, nil

	case "SET":
		selector, remaining, err := readSelector(rest)
		if err != nil {
			return nil, p.fail("SET: %s", err)
		}
		if remaining == "" {
			return nil, p.fail("SET: missing value")
		}
		value, remaining, err := readValue(remaining)
		if err != nil {
			return nil, p.fail("SET: %s", err)
		}
		if err := trailing(remaining); err != nil {
			return nil, p.fail("SET: %s", err)
		}
		return Set{Line: p.lineNo, Selector: selector, Value: value}, nil

	case "WAIT":
		selector, remaining, err := readSelector(rest)
		if err != nil {
			return nil, p.fail("WAIT: %s", err)
		}
		timeout := p.defaultWait
		arg, remaining := splitKeyword(remaining)
		if arg != "" && !strings.HasPrefix(arg, "#") {
			seconds, err := strconv.ParseFloat(arg, 64)
			if err != nil || !(seconds > 0) {
				return nil, p.fail("WAIT: timeout must be a positive number of seconds, got %q", arg)
			}
			if seconds > MaxWaitTimeout.Seconds() {
				return nil, p.fail("WAIT: timeout %q is above the limit of %s", arg, MaxWaitTimeout)
			}
			timeout = time.Duration(seconds * float64(time.Second))
		} else if arg != "" {
			remaining = ""
		}
		if err := trailing(remaining); err != nil {
			return nil, p.fail("WAIT: %s", err)
		}
		return Wait{Line: p.lineNo, Selector: selector, Timeout: timeout}, nil

	case "SCROLL":
		dirWord, remaining := splitKeyword(rest)
		var direction Direction
		switch strings.ToLower(dirWord) {
		case "up":
			direction = DirectionUp
		case "down":
			direction = DirectionDown
		default:
			return nil, p.fail("SCROLL: direction must be UP or DOWN, got %q", dirWord)
		}
		distance := DefaultScrollDistance
		arg, remaining := splitKeyword(remaining)
		if arg != "" && !strings.HasPrefix(arg, "#") {
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				return nil, p.fail("SCROLL: distance must be a positive integer, got %q", arg)
			}
			distance = n
		} else if arg != "" {
			remaining = ""
		}
		if err := trailing(remaining); err != nil {
			return nil, p.fail("SCROLL: %s", err)
		}
		return Scroll{Line: p.lineNo, Direction: direction, Distance: distance}, nil

	case "CALL":
		name, remaining := splitKeyword(rest)
		if !identifierRegex.MatchString(name) {
			return nil, p.fail("CALL requires a procedure name")
		}
		if err := trailing(remaining); err != nil {
			return nil, p.fail("CALL: %s", err)
		}
		return p.call(name), nil

	case "IF", "ELSE", "ENDIF", "PROC", "ENDPROC":
		return nil, p.fail("%s cannot be used here", strings.ToUpper(word))
	}

	if rest == "" && identifierRegex.MatchString(word) {
		return p.call(word), nil
	}
	return nil, p.fail("unknown instruction %q%s", word, suggest(strings.ToUpper(word), keywords))
}

func (p *parser) call(name string) ProcCall {
	call := ProcCall{Line: p.lineNo, Name: name}
	p.calls = append(p.calls, call)
	return call
}

func (p *parser) parseIf(rest string) error {
	cond := Condition{}
	word, rest := splitKeyword(rest)
	if strings.EqualFold(word, "NOT") {
		cond.Negate = true
		word, rest = splitKeyword(rest)
	}
	if !strings.EqualFold(word, "EXISTS") {
		return p.fail("IF: expected EXISTS, got %q", word)
	}
	selector, rest, err := readSelector(rest)
	if err != nil {
		return p.fail("IF: %s", err)
	}
	cond.Selector = selector

	word, rest = splitKeyword(rest)
	if !strings.EqualFold(word, "THEN") {
		return p.fail("IF: expected THEN after the condition")
	}

	if rest == "" || strings.HasPrefix(rest, "#") {
		p.stack = append(p.stack, &frame{
			kind:   frameIf,
			line:   p.lineNo,
			text:   p.text,
			branch: If{Line: p.lineNo, Condition: cond},
		})
		return nil
	}

	// IF ... THEN <instruction> is a single instruction branch without ENDIF
	inlineWord, inlineRest := splitKeyword(rest)
	inline, err := p.parseSimple(inlineWord, inlineRest)
	if err != nil {
		return err
	}
	p.emit(If{Line: p.lineNo, Condition: cond, Then: []Instruction{inline}})
	return nil
}

func isKeyword(word string) bool {
	for _, k := range keywords {
		if strings.EqualFold(k, word) {
			return true
		}
	}
	return false
}

// readSelector reads a backtick quoted, double quoted or bare selector off the front of s.
func readSelector(s string) (string, string, error) {
	if s == "" || strings.HasPrefix(s, "#") && len(s) > 1 && s[1] == ' ' {
		return "", "", fmt.Errorf("missing selector")
	}
	switch s[0] {
	case '`', '"', '\'':
		value, rest, err := readQuoted(s)
		if err != nil {
			return "", "", err
		}
		if value == "" {
			return "", "", fmt.Errorf("empty selector")
		}
		return value, rest, nil
	}
	word, rest := splitKeyword(s)
	return word, rest, nil
}

// readQuoted reads a quoted string off the front of s. Double quotes follow Go escaping rules, backticks and
// single quotes are taken literally.
func readQuoted(s string) (string, string, error) {
	if s == "" {
		return "", "", fmt.Errorf("missing quoted text")
	}
	switch s[0] {
	case '"':
		quoted, err := strconv.QuotedPrefix(s)
		if err != nil {
			return "", "", fmt.Errorf("unterminated or invalid quoted text")
		}
		value, err := strconv.Unquote(quoted)
		if err != nil {
			return "", "", err
		}
		return value, strings.TrimSpace(s[len(quoted):]), nil
	case '`', '\'':
		end := strings.IndexByte(s[1:], s[0])
		if end < 0 {
			return "", "", fmt.Errorf("unterminated %c quote", s[0])
		}
		return s[1 : end+1], strings.TrimSpace(s[end+2:]), nil
	}
	return "", "", fmt.Errorf("text must be quoted")
}

func readValue(s string) (string, string, error) {
	switch s[0] {
	case '"', '`', '\'':
		return readQuoted(s)
	}
	word, rest := splitKeyword(s)
	return word, rest, nil
}

func trailing(rest string) error {
	if rest == "" || strings.HasPrefix(rest, "#") {
		return nil
	}
	return fmt.Errorf("unexpected trailing text %q", rest)
}

// suggest returns a "did you mean" hint for the closest candidate, or nothing if none is close.
func suggest(word string, candidates []string) string {
	type scored struct {
		candidate string
		score     float64
	}
	var scores []scored
	for _, c := range candidates {
		score := matchr.JaroWinkler(strings.ToUpper(word), strings.ToUpper(c), false)
		if score >= 0.8 {
			scores = append(scores, scored{candidate: c, score: score})
		}
	}
	if len(scores) == 0 {
		return ""
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].score > scores[j].score
	})
	return fmt.Sprintf(", did you mean %q?", scores[0].candidate)
}
