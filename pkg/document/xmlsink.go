package document

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

const indent = "   "

// XMLSink serializes document events as XML text.
type XMLSink struct {
	w   io.Writer
	out *transform.Writer // non-nil when transcoding from UTF-8
	enc *xml.Encoder

	start   *xml.StartElement
	stack   []xml.StartElement
	started bool
}

var _ Sink = (*XMLSink)(nil)

// NewXMLSink returns a sink writing to w.
func NewXMLSink(w io.Writer) *XMLSink {
	return &XMLSink{w: w}
}

// Start implements Sink.
func (s *XMLSink) Start(format Format) error {
	if s.started {
		return fmt.Errorf("xml sink already started")
	}
	s.started = true

	name := format.EncodingOrDefault()
	w := s.w
	if !isUTF8(name) {
		e, err := htmlindex.Get(name)
		if err != nil {
			return fmt.Errorf("unsupported encoding %q: %w", name, err)
		}
		s.out = transform.NewWriter(w, encoding.ReplaceUnsupported(e.NewEncoder()))
		w = s.out
	}

	s.enc = xml.NewEncoder(w)
	if format.Pretty {
		s.enc.Indent("", indent)
	}
	return s.enc.EncodeToken(xml.ProcInst{
		Target: "xml",
		Inst:   []byte(fmt.Sprintf(`version="1.0" encoding=%q`, name)),
	})
}

// OpenElement implements Sink.
func (s *XMLSink) OpenElement(name string) error {
	if err := s.flush(); err != nil {
		return err
	}
	s.start = &xml.StartElement{Name: xml.Name{Local: name}}
	return nil
}

// Attribute implements Sink.
func (s *XMLSink) Attribute(name, value string) error {
	if s.start == nil {
		return ErrAttributeAfterBody
	}
	s.start.Attr = append(s.start.Attr, xml.Attr{Name: xml.Name{Local: name}, Value: value})
	return nil
}

// CloseElement implements Sink.
func (s *XMLSink) CloseElement() error {
	if err := s.flush(); err != nil {
		return err
	}
	if len(s.stack) == 0 {
		return ErrNoOpenElement
	}
	top := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return s.enc.EncodeToken(top.End())
}

// Text implements Sink.
func (s *XMLSink) Text(value string) error {
	if err := s.flush(); err != nil {
		return err
	}
	return s.enc.EncodeToken(xml.CharData(value))
}

// Comment implements Sink.
func (s *XMLSink) Comment(value string) error {
	if err := s.flush(); err != nil {
		return err
	}
	return s.enc.EncodeToken(xml.Comment(commentText(value)))
}

// commentText separates adjacent dashes and a trailing dash with a space:
// XML comments may neither contain "--" nor end in "-".
func commentText(value string) string {
	if !strings.Contains(value, "-") {
		return value
	}
	var b strings.Builder
	b.Grow(len(value) + 4)
	for i := 0; i < len(value); i++ {
		b.WriteByte(value[i])
		if value[i] == '-' && (i+1 == len(value) || value[i+1] == '-') {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// ProcessingInstruction implements Sink.
func (s *XMLSink) ProcessingInstruction(target, data string) error {
	if err := s.flush(); err != nil {
		return err
	}
	return s.enc.EncodeToken(xml.ProcInst{Target: target, Inst: []byte(data)})
}

// Finish implements Sink.
func (s *XMLSink) Finish() error {
	if err := s.flush(); err != nil {
		return err
	}
	if err := s.enc.Flush(); err != nil {
		return err
	}
	if s.out != nil {
		return s.out.Close()
	}
	return nil
}

func (s *XMLSink) flush() error {
	if s.enc == nil {
		return fmt.Errorf("xml sink not started")
	}
	if s.start == nil {
		return nil
	}
	start := *s.start
	s.start = nil
	s.stack = append(s.stack, start)
	return s.enc.EncodeToken(start)
}

func isUTF8(name string) bool {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "")) {
	case "utf8", "":
		return true
	}
	return false
}
