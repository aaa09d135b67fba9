package program

import (
	"fmt"
	"strings"
)

// Instruction is one operation of a Program. The set of instructions is
// closed: only the types declared in this file implement it.
type Instruction interface {
	fmt.Stringer
	isInstruction()
}

// StartDocument creates the document. Encoding and Pretty are the mapping's
// declared defaults; a nil Pretty means the mapping does not declare one.
type StartDocument struct {
	Encoding string
	Pretty   *bool
}

// EndDocument closes every open element and finishes the document.
type EndDocument struct{}

// ExecuteQuery binds and executes the nested query of a result set, passing
// the query's declared reference variables.
type ExecuteQuery struct {
	ResultSet string
}

// LoadStaging materializes a staging result once per production.
type LoadStaging struct {
	ResultSet string
}

// AdvanceCursor moves the cursor of a result set to its next row.
type AdvanceCursor struct {
	ResultSet string
}

// CloseResults releases the executor and cursor of a result set so that a
// later pass executes the query again.
type CloseResults struct {
	ResultSet string
}

// OpenElement opens a structural element.
type OpenElement struct {
	Name string
}

// CloseElement closes the innermost open element.
type CloseElement struct{}

// AddElement adds a leaf element holding a value. Elements whose value has no
// lexical form are omitted, unless Nillable is set and the value is null.
type AddElement struct {
	Name     string
	Value    Value
	Nillable bool
}

// AddAttribute sets an attribute on the innermost open element.
type AddAttribute struct {
	Name  string
	Value Value
}

// AddText appends character data to the innermost open element.
type AddText struct {
	Value Value
}

// AddComment appends a comment.
type AddComment struct {
	Text string
}

// AddProcessingInstruction appends a processing instruction.
type AddProcessingInstruction struct {
	Target string
	Data   string
}

// BindReference binds a reference variable used as a query parameter.
type BindReference struct {
	Name  string
	Value Value
}

// ForEach runs Program once for every row of ResultSet.
type ForEach struct {
	ResultSet string
	Program   string
}

// Case is one branch of a Choose instruction.
type Case struct {
	When    Condition
	Program string
}

// Choose runs the program of the first case whose condition holds, or
// Default if none does. An empty Default runs nothing.
type Choose struct {
	Cases   []Case
	Default string
}

// Recurse runs Program as a nested recursive frame while its recursion depth
// is below MaxDepth (0 uses the engine's default limit). At the limit the
// instruction stops silently, or fails when ErrorOnLimit is set.
type Recurse struct {
	Program      string
	MaxDepth     int
	ErrorOnLimit bool
}

// Abort fails the production with Message.
type Abort struct {
	Message string
}

func (StartDocument) isInstruction() {}
func (EndDocument) isInstruction() {}
func (ExecuteQuery) isInstruction() {}
func (LoadStaging) isInstruction() {}
func (AdvanceCursor) isInstruction() {}
func (CloseResults) isInstruction() {}
func (OpenElement) isInstruction() {}
func (CloseElement) isInstruction() {}
func (AddElement) isInstruction() {}
func (AddAttribute) isInstruction() {}
func (AddText) isInstruction() {}
func (AddComment) isInstruction() {}
func (AddProcessingInstruction) isInstruction() {}
func (BindReference) isInstruction() {}
func (ForEach) isInstruction() {}
func (Choose) isInstruction() {}
func (Recurse) isInstruction() {}
func (Abort) isInstruction() {}

func (i StartDocument) String() string {
	if i.Encoding == "" {
		return "START DOCUMENT"
	}
	return "START DOCUMENT encoding=" + i.Encoding
}

func (EndDocument) String() string { return "END DOCUMENT" }
func (i ExecuteQuery) String() string { return "EXECUTE " + i.ResultSet }
func (i LoadStaging) String() string { return "LOAD STAGING " + i.ResultSet }
func (i AdvanceCursor) String() string { return "NEXT ROW " + i.ResultSet }
func (i CloseResults) String() string { return "CLOSE " + i.ResultSet }
func (i OpenElement) String() string { return "OPEN <" + i.Name + ">" }
func (CloseElement) String() string { return "CLOSE ELEMENT" }
func (i AddElement) String() string { return fmt.Sprintf("ELEMENT <%s> = %s", i.Name, i.Value) }
func (i AddAttribute) String() string { return fmt.Sprintf("ATTRIBUTE %s = %s", i.Name, i.Value) }
func (i AddText) String() string { return "TEXT " + i.Value.String() }
func (i AddComment) String() string { return fmt.Sprintf("COMMENT %q", i.Text) }
func (i AddProcessingInstruction) String() string { return fmt.Sprintf("PI %s %q", i.Target, i.Data) }
func (i BindReference) String() string { return fmt.Sprintf("BIND %s = %s", i.Name, i.Value) }
func (i ForEach) String() string { return fmt.Sprintf("FOR EACH ROW %s DO %s", i.ResultSet, i.Program) }
func (i Recurse) String() string { return fmt.Sprintf("RECURSE %s max_depth=%d", i.Program, i.MaxDepth) }
func (i Abort) String() string { return fmt.Sprintf("ABORT %q", i.Message) }

func (i Choose) String() string {
	var sb strings.Builder
	sb.WriteString("CHOOSE")
	for _, c := range i.Cases {
		fmt.Fprintf(&sb, " WHEN %s DO %s", c.When, c.Program)
	}
	if i.Default != "" {
		sb.WriteString(" ELSE " + i.Default)
	}
	return sb.String()
}

// Kind returns a short stable name of the instruction's type, suitable for
// metric labels.
func Kind(i Instruction) string {
	switch i.(type) {
	case StartDocument:
		return "start_document"
	case EndDocument:
		return "end_document"
	case ExecuteQuery:
		return "execute_query"
	case LoadStaging:
		return "load_staging"
	case AdvanceCursor:
		return "advance_cursor"
	case CloseResults:
		return "close_results"
	case OpenElement:
		return "open_element"
	case CloseElement:
		return "close_element"
	case AddElement:
		return "add_element"
	case AddAttribute:
		return "add_attribute"
	case AddText:
		return "add_text"
	case AddComment:
		return "add_comment"
	case AddProcessingInstruction:
		return "add_processing_instruction"
	case BindReference:
		return "bind_reference"
	case ForEach:
		return "for_each"
	case Choose:
		return "choose"
	case Recurse:
		return "recurse"
	case Abort:
		return "abort"
	default:
		return "invalid"
	}
}
