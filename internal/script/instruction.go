// Package script holds the instruction model for login automation scripts and the parser that produces it.
package script

import (
	"fmt"
	"strings"
	"time"
)

// Instruction is one parsed step of a script. The set of implementations is closed, interpreters
// dispatch on the concrete type.
type Instruction interface {
	// SourceLine is the 1-based line the instruction was parsed from.
	SourceLine() int
	String() string
	isInstruction()
}

type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

type Click struct {
	Line     int
	Selector string
}

type Type struct {
	Line int
	Text string
}

type Set struct {
	Line     int
	Selector string
	Value    string
}

type Wait struct {
	Line     int
	Selector string
	Timeout  time.Duration
}

type Scroll struct {
	Line      int
	Direction Direction
	Distance  int
}

// Condition is a selector existence check, optionally negated.
type Condition struct {
	Selector string
	Negate   bool
}

type If struct {
	Line      int
	Condition Condition
	Then      []Instruction
	Else      []Instruction
}

type ProcCall struct {
	Line int
	Name string
}

// ProcDef is a named instruction body. Definitions live in Script.Procedures, never in a body.
type ProcDef struct {
	Line int
	Name string
	Body []Instruction
}

func (i Click) SourceLine() int    { return i.Line }
func (i Type) SourceLine() int     { return i.Line }
func (i Set) SourceLine() int      { return i.Line }
func (i Wait) SourceLine() int     { return i.Line }
func (i Scroll) SourceLine() int   { return i.Line }
func (i If) SourceLine() int       { return i.Line }
func (i ProcCall) SourceLine() int { return i.Line }
func (i ProcDef) SourceLine() int  { return i.Line }

func (Click) isInstruction()    {}
func (Type) isInstruction()     {}
func (Set) isInstruction()      {}
func (Wait) isInstruction()     {}
func (Scroll) isInstruction()   {}
func (If) isInstruction()       {}
func (ProcCall) isInstruction() {}
func (ProcDef) isInstruction()  {}

func (i Click) String() string { return fmt.Sprintf("CLICK `%s`", i.Selector) }

// the typed text is not rendered, it is frequently a credential
func (i Type) String() string { return fmt.Sprintf("TYPE <%d chars>", len(i.Text)) }

func (i Set) String() string { return fmt.Sprintf("SET `%s` <%d chars>", i.Selector, len(i.Value)) }

func (i Wait) String() string {
	return fmt.Sprintf("WAIT `%s` %d", i.Selector, int(i.Timeout/time.Second))
}

func (i Scroll) String() string {
	return fmt.Sprintf("SCROLL %s %d", strings.ToUpper(string(i.Direction)), i.Distance)
}

func (i If) String() string {
	not := ""
	if i.Condition.Negate {
		not = "NOT "
	}
	return fmt.Sprintf("IF %sEXISTS `%s` (%d then, %d else)", not, i.Condition.Selector, len(i.Then), len(i.Else))
}

func (i ProcCall) String() string { return fmt.Sprintf("CALL %s", i.Name) }

func (i ProcDef) String() string { return fmt.Sprintf("PROC %s (%d instructions)", i.Name, len(i.Body)) }

// Script is a parsed script. It is never mutated after parsing so one Script can be run by any number of
// sessions at once.
type Script struct {
	Instructions []Instruction
	Procedures   map[string]ProcDef
}

// Procedure looks up a procedure by name.
func (s *Script) Procedure(name string) (ProcDef, bool) {
	def, ok := s.Procedures[name]
	return def, ok
}

// Walk visits every instruction in source order, descending into conditional branches but not into
// procedure bodies.
func Walk(instructions []Instruction, visit func(Instruction)) {
	for _, inst := range instructions {
		visit(inst)
		if branch, ok := inst.(If); ok {
			Walk(branch.Then, visit)
			Walk(branch.Else, visit)
		}
	}
}
