// Package document assembles structured documents incrementally.
//
// A Builder never holds the whole document: it keeps the stack of open
// ancestors plus the start tag of the innermost element until its first child
// arrives, and forwards everything else to a Sink immediately.
package document

import (
	"errors"
	"fmt"
)

var (
	ErrFinished           = errors.New("document already finished")
	ErrNoOpenElement      = errors.New("no open element")
	ErrAttributeAfterBody = errors.New("attribute after element content")
	ErrEmptyName          = errors.New("empty node name")
	ErrSecondRoot         = errors.New("document already has a root element")
)

type pendingAttr struct {
	name, value string
}

// pendingStart is the start tag of the innermost element, kept until its
// attribute list is known to be complete.
type pendingStart struct {
	name  string
	attrs []pendingAttr
}

// Builder is the incremental append surface of one document.
type Builder struct {
	sink   Sink
	format Format

	open     []string
	pending  *pendingStart
	rooted   bool
	finished bool
}

// NewBuilder starts a document on sink.
func NewBuilder(sink Sink, format Format) (*Builder, error) {
	format.Encoding = format.EncodingOrDefault()
	if err := sink.Start(format); err != nil {
		return nil, fmt.Errorf("starting document: %w", err)
	}
	return &Builder{sink: sink, format: format}, nil
}

// Format returns the format the document was started with.
func (b *Builder) Format() Format { return b.format }

// Depth returns the number of open elements.
func (b *Builder) Depth() int { return len(b.open) }

// Finished reports whether Finish has been called.
func (b *Builder) Finished() bool { return b.finished }

// OpenElement opens a child element of the innermost open element, or the
// root element if none is open. A document has exactly one root.
func (b *Builder) OpenElement(name string) error {
	if err := b.check(name); err != nil {
		return err
	}
	if len(b.open) == 0 {
		if b.rooted {
			return fmt.Errorf("%w: <%s>", ErrSecondRoot, name)
		}
		b.rooted = true
	}
	if err := b.flush(); err != nil {
		return err
	}
	b.open = append(b.open, name)
	b.pending = &pendingStart{name: name}
	return nil
}

// CloseElement closes the innermost open element.
func (b *Builder) CloseElement() error {
	if b.finished {
		return ErrFinished
	}
	if len(b.open) == 0 {
		return ErrNoOpenElement
	}
	if err := b.flush(); err != nil {
		return err
	}
	b.open = b.open[:len(b.open)-1]
	return b.sink.CloseElement()
}

// Attribute sets an attribute on the innermost open element. It fails once
// the element has content.
func (b *Builder) Attribute(name, value string) error {
	if err := b.check(name); err != nil {
		return err
	}
	if len(b.open) == 0 {
		return ErrNoOpenElement
	}
	if b.pending == nil {
		return fmt.Errorf("%w: %s on <%s>", ErrAttributeAfterBody, name, b.open[len(b.open)-1])
	}
	b.pending.attrs = append(b.pending.attrs, pendingAttr{name: name, value: value})
	return nil
}

// Text appends character data to the innermost open element.
func (b *Builder) Text(value string) error {
	if b.finished {
		return ErrFinished
	}
	if len(b.open) == 0 {
		return ErrNoOpenElement
	}
	if err := b.flush(); err != nil {
		return err
	}
	return b.sink.Text(value)
}

// Comment appends a comment at the current position.
func (b *Builder) Comment(value string) error {
	if b.finished {
		return ErrFinished
	}
	if err := b.flush(); err != nil {
		return err
	}
	return b.sink.Comment(value)
}

// ProcessingInstruction appends a processing instruction at the current position.
func (b *Builder) ProcessingInstruction(target, data string) error {
	if err := b.check(target); err != nil {
		return err
	}
	if err := b.flush(); err != nil {
		return err
	}
	return b.sink.ProcessingInstruction(target, data)
}

// Finish closes every element still open and finishes the sink. Calling
// Finish more than once is a no-op.
func (b *Builder) Finish() error {
	if b.finished {
		return nil
	}
	for len(b.open) > 0 {
		if err := b.CloseElement(); err != nil {
			return err
		}
	}
	b.finished = true
	return b.sink.Finish()
}

func (b *Builder) check(name string) error {
	if b.finished {
		return ErrFinished
	}
	if name == "" {
		return ErrEmptyName
	}
	return nil
}

// flush forwards the pending start tag and its attributes.
func (b *Builder) flush() error {
	p := b.pending
	if p == nil {
		return nil
	}
	b.pending = nil

	if err := b.sink.OpenElement(p.name); err != nil {
		return err
	}
	for _, a := range p.attrs {
		if err := b.sink.Attribute(a.name, a.value); err != nil {
			return err
		}
	}
	return nil
}
