// Package documenttest provides a recording document.Sink for tests.
package documenttest

import (
	"fmt"
	"strings"

	"github.com/grafana/docflow/pkg/document"
)

// Recorder records every sink event as a compact string.
type Recorder struct {
	Events   []string
	Starts   int
	Finishes int
	Format   document.Format
}

var _ document.Sink = (*Recorder)(nil)

func (r *Recorder) Start(format document.Format) error {
	r.Starts++
	r.Format = format
	r.Events = append(r.Events, "start")
	return nil
}

func (r *Recorder) OpenElement(name string) error {
	r.Events = append(r.Events, "<"+name+">")
	return nil
}

func (r *Recorder) CloseElement() error {
	r.Events = append(r.Events, "</>")
	return nil
}

func (r *Recorder) Attribute(name, value string) error {
	r.Events = append(r.Events, fmt.Sprintf("@%s=%s", name, value))
	return nil
}

func (r *Recorder) Text(value string) error {
	r.Events = append(r.Events, "text:"+value)
	return nil
}

func (r *Recorder) Comment(value string) error {
	r.Events = append(r.Events, "comment:"+value)
	return nil
}

func (r *Recorder) ProcessingInstruction(target, data string) error {
	r.Events = append(r.Events, fmt.Sprintf("pi:%s %s", target, data))
	return nil
}

func (r *Recorder) Finish() error {
	r.Finishes++
	r.Events = append(r.Events, "finish")
	return nil
}

// Count returns how many recorded events equal event.
func (r *Recorder) Count(event string) int {
	var n int
	for _, e := range r.Events {
		if e == event {
			n++
		}
	}
	return n
}

// String joins all events with a single space.
func (r *Recorder) String() string {
	return strings.Join(r.Events, " ")
}
