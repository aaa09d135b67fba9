package document

import (
	"flag"
	"strings"
)

// DefaultEncoding is the encoding used when neither the request nor the
// mapping declares one.
const DefaultEncoding = "UTF-8"

// Format selects how a document is serialized by its sink.
type Format struct {
	Encoding string `yaml:"encoding"`
	Pretty   bool   `yaml:"pretty"`
}

// RegisterFlagsWithPrefix registers flags for the default document format.
func (f *Format) RegisterFlagsWithPrefix(prefix string, fs *flag.FlagSet) {
	fs.StringVar(&f.Encoding, prefix+"encoding", DefaultEncoding, "Character encoding of produced documents when the mapping does not declare one.")
	fs.BoolVar(&f.Pretty, prefix+"pretty", false, "Indent produced documents when the mapping does not declare a formatting mode.")
}

// EncodingOrDefault returns the configured encoding, or DefaultEncoding.
func (f Format) EncodingOrDefault() string {
	if strings.TrimSpace(f.Encoding) == "" {
		return DefaultEncoding
	}
	return f.Encoding
}

// Sink receives the events of one document in document order. The sink owns
// serialization. Attribute events always follow the OpenElement event of the
// element they belong to and precede any of its content.
type Sink interface {
	Start(format Format) error
	OpenElement(name string) error
	CloseElement() error
	Attribute(name, value string) error
	Text(value string) error
	Comment(value string) error
	ProcessingInstruction(target, data string) error
	Finish() error
}
